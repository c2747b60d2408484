package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/colligo/internal/common"
)

// ResultRecord is the persisted form of one finalized task
type ResultRecord struct {
	BusinessKey     string    `badgerhold:"key"`
	TaskID          string    `badgerholdIndex:"TaskID"`
	Status          string    `json:"status"`
	WorkerID        string    `json:"worker_id"`
	Error           string    `json:"error,omitempty"`
	FoundCount      int       `json:"found_count"`
	DownloadedCount int       `json:"downloaded_count"`
	Artifacts       []string  `json:"artifacts,omitempty"`
	RetryCount      int       `json:"retry_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store is a badgerhold-backed ResultSink keeping the durable record of
// every processed business key across runs
type Store struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewStore opens the result database at the configured path
func NewStore(config common.BadgerConfig, logger arbor.ILogger) (*Store, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing result database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete result database")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open result database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Result database opened")

	return &Store{store: store, logger: logger}, nil
}

// Persist upserts the record for one business key. Reprocessing a key
// overwrites its previous outcome.
func (s *Store) Persist(ctx context.Context, businessKey string, fields map[string]any) error {
	record := recordFrom(businessKey, fields)

	if err := s.store.Upsert(businessKey, record); err != nil {
		return fmt.Errorf("failed to persist result for %s: %w", businessKey, err)
	}
	return nil
}

// Get returns the stored record for one business key
func (s *Store) Get(businessKey string) (*ResultRecord, error) {
	var record ResultRecord
	if err := s.store.Get(businessKey, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("no result for business key %s", businessKey)
		}
		return nil, err
	}
	return &record, nil
}

// List returns every stored record
func (s *Store) List() ([]ResultRecord, error) {
	var records []ResultRecord
	if err := s.store.Find(&records, nil); err != nil {
		return nil, err
	}
	return records, nil
}

// Close compacts the value log and closes the underlying database
func (s *Store) Close() error {
	if s.store == nil {
		return nil
	}
	db := s.store.Badger()
	for {
		if err := db.RunValueLogGC(0.5); err != nil {
			if err != badger.ErrNoRewrite {
				s.logger.Warn().Err(err).Msg("Value log GC failed")
			}
			break
		}
	}
	return s.store.Close()
}

func recordFrom(businessKey string, fields map[string]any) *ResultRecord {
	record := &ResultRecord{
		BusinessKey: businessKey,
		UpdatedAt:   time.Now(),
	}
	if v, ok := fields["task_id"].(string); ok {
		record.TaskID = v
	}
	if v, ok := fields["status"].(string); ok {
		record.Status = v
	}
	if v, ok := fields["worker_id"].(string); ok {
		record.WorkerID = v
	}
	if v, ok := fields["error"].(string); ok {
		record.Error = v
	}
	if v, ok := fields["found_count"].(int); ok {
		record.FoundCount = v
	}
	if v, ok := fields["downloaded_count"].(int); ok {
		record.DownloadedCount = v
	}
	if v, ok := fields["retry_count"].(int); ok {
		record.RetryCount = v
	}
	if v, ok := fields["artifacts"].([]string); ok {
		record.Artifacts = v
	}
	return record
}
