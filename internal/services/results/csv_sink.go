package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
)

var csvHeader = []string{
	"business_key", "status", "worker_id", "retry_count",
	"found_count", "downloaded_count", "error", "artifacts", "updated_at",
}

// CSVSink appends one row per finalized task to a CSV file. All writes go
// through a dedicated single-writer goroutine, so concurrent workers never
// interleave rows.
type CSVSink struct {
	path   string
	file   *os.File
	writer *csv.Writer
	logger arbor.ILogger

	rows chan []string
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewCSVSink creates the output file (with header) and starts the writer
// goroutine. The file name carries a timestamp so consecutive runs never
// clobber each other.
func NewCSVSink(outputDir string, logger arbor.ILogger) (*CSVSink, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(outputDir, fmt.Sprintf("results-%s.csv", time.Now().Format("20060102-150405")))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create results file: %w", err)
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write results header: %w", err)
	}
	writer.Flush()

	sink := &CSVSink{
		path:   path,
		file:   file,
		writer: writer,
		logger: logger,
		rows:   make(chan []string, 64),
		done:   make(chan struct{}),
	}

	common.SafeGo(logger, "csv-writer", sink.writeLoop)

	logger.Info().Str("path", path).Msg("Result CSV sink opened")
	return sink, nil
}

// Path returns the output file path
func (s *CSVSink) Path() string { return s.path }

// writeLoop is the single writer: rows are flushed as they arrive so a
// crash mid-batch loses at most the row in flight
func (s *CSVSink) writeLoop() {
	defer close(s.done)

	for row := range s.rows {
		if err := s.writer.Write(row); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write result row")
			continue
		}
		s.writer.Flush()
		if err := s.writer.Error(); err != nil {
			s.logger.Warn().Err(err).Msg("Result flush failed")
		}
	}
}

// Persist queues one row for the writer goroutine. Blocks only when the
// writer has fallen 64 rows behind.
func (s *CSVSink) Persist(ctx context.Context, businessKey string, fields map[string]any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("csv sink is closed")
	}
	s.mu.Unlock()

	row := rowFrom(businessKey, fields)

	select {
	case s.rows <- row:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued rows, flushes, and closes the file. Idempotent.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.rows)
	<-s.done

	s.writer.Flush()
	err := s.writer.Error()
	if closeErr := s.file.Close(); err == nil {
		err = closeErr
	}

	s.logger.Info().Str("path", s.path).Msg("Result CSV sink closed")
	return err
}

func rowFrom(businessKey string, fields map[string]any) []string {
	str := func(key string) string {
		if v, ok := fields[key].(string); ok {
			return v
		}
		return ""
	}
	num := func(key string) string {
		if v, ok := fields[key].(int); ok {
			return strconv.Itoa(v)
		}
		return "0"
	}

	artifacts := ""
	if v, ok := fields["artifacts"].([]string); ok {
		artifacts = strings.Join(v, ";")
	}

	return []string{
		businessKey,
		str("status"),
		str("worker_id"),
		num("retry_count"),
		num("found_count"),
		num("downloaded_count"),
		str("error"),
		artifacts,
		time.Now().Format(time.RFC3339),
	}
}
