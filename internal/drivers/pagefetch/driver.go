package pagefetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

// attachmentQuery collects the hrefs of document links on a record page
const attachmentQuery = `Array.from(document.querySelectorAll('a[href]'))
	.map(a => a.href)
	.filter(h => /\.(pdf|docx?|xlsx?)(\?|$)/i.test(h))`

// Driver is the reference AutomationDriver: it opens the record page for a
// business key in its own headless browser and reports the attachment links
// it finds. Production deployments substitute a site-specific driver.
type Driver struct {
	config   common.SessionConfig
	headless bool
	timeout  time.Duration
	logger   arbor.ILogger
}

// NewDriver creates a page-fetch driver
func NewDriver(config common.SessionConfig, headless bool, timeout time.Duration, logger arbor.ILogger) (*Driver, error) {
	if config.RecordURLTemplate == "" {
		return nil, fmt.Errorf("record_url_template is not configured")
	}
	if !strings.Contains(config.RecordURLTemplate, "%s") {
		return nil, fmt.Errorf("record_url_template %q has no %%s placeholder", config.RecordURLTemplate)
	}
	return &Driver{config: config, headless: headless, timeout: timeout, logger: logger}, nil
}

// ProcessRecord fetches the record page and reports its attachment links
func (d *Driver) ProcessRecord(ctx context.Context, businessKey string) (*models.DriverResult, error) {
	url := recordURL(d.config.RecordURLTemplate, businessKey)

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.headless),
		chromedp.Flag("disable-gpu", d.config.DisableGPU),
		chromedp.Flag("no-sandbox", d.config.NoSandbox),
		chromedp.UserAgent(d.config.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOpts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	runCtx, cancel := context.WithTimeout(browserCtx, d.timeout)
	defer cancel()

	var title string
	var links []string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Title(&title),
		chromedp.Evaluate(attachmentQuery, &links),
	)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &models.DriverResult{
				Status:  models.DriverStatusPageError,
				Message: fmt.Sprintf("record page timed out after %s", d.timeout),
			}, nil
		}
		return nil, fmt.Errorf("failed to fetch record page: %w", err)
	}

	result := &models.DriverResult{
		Status:     classifyTitle(title),
		StatusCode: 200,
		Message:    fmt.Sprintf("record page %q", title),
		Artifacts:  links,
		FoundCount: len(links),
	}

	d.logger.Debug().
		Str("business_key", businessKey).
		Str("status", string(result.Status)).
		Int("links", len(links)).
		Msg("Record page fetched")

	return result, nil
}

// recordURL expands the business key into the record URL template
func recordURL(template, businessKey string) string {
	return fmt.Sprintf(template, businessKey)
}

// classifyTitle maps the page title onto a driver status. Sites in scope
// render their error states into the title.
func classifyTitle(title string) models.DriverStatus {
	lower := strings.ToLower(title)
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "404"):
		return models.DriverStatusNotFound
	case strings.Contains(lower, "login") || strings.Contains(lower, "sign in"):
		return models.DriverStatusUnauthorized
	case strings.Contains(lower, "error"):
		return models.DriverStatusPageError
	default:
		return models.DriverStatusOK
	}
}
