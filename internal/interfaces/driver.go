package interfaces

import (
	"context"

	"github.com/ternarybob/colligo/internal/models"
)

// AutomationDriver performs the page navigation and extraction for one
// business record. The core calls it once per task attempt and only
// interprets the returned status; it never inspects page content.
type AutomationDriver interface {
	ProcessRecord(ctx context.Context, businessKey string) (*models.DriverResult, error)
}
