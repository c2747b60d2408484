package pagefetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

func TestNewDriver_RequiresURLTemplate(t *testing.T) {
	_, err := NewDriver(common.SessionConfig{}, true, time.Minute, common.GetLogger())
	assert.Error(t, err)

	_, err = NewDriver(common.SessionConfig{RecordURLTemplate: "https://example.com/record"}, true, time.Minute, common.GetLogger())
	assert.Error(t, err, "template without a placeholder is rejected")

	_, err = NewDriver(common.SessionConfig{RecordURLTemplate: "https://example.com/record/%s"}, true, time.Minute, common.GetLogger())
	require.NoError(t, err)
}

func TestRecordURL(t *testing.T) {
	url := recordURL("https://example.com/po/%s/attachments", "PO-12345")
	assert.Equal(t, "https://example.com/po/PO-12345/attachments", url)
}

func TestClassifyTitle(t *testing.T) {
	tests := []struct {
		title string
		want  models.DriverStatus
	}{
		{"Purchase Order PO-1", models.DriverStatusOK},
		{"404 Not Found", models.DriverStatusNotFound},
		{"Page not found", models.DriverStatusNotFound},
		{"Login required", models.DriverStatusUnauthorized},
		{"Please Sign In", models.DriverStatusUnauthorized},
		{"Internal Server Error", models.DriverStatusPageError},
		{"", models.DriverStatusOK},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyTitle(tt.title), tt.title)
	}
}
