package polygon

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dnaeon/go-vcr/recorder"
	"github.com/stretchr/testify/assert"

	"quotefeed/pkg/feed"
)

// This test uses go-vcr to record/replay a real aggregates call.
// It skips by default if cassette is absent and RECORD_CASSETTES != 1.
func TestClient_FetchBars_Recorded(t *testing.T) {
	cassette := filepath.Join("testdata", "cassettes", "polygon_aggs.yaml")
	if _, err := os.Stat(cassette); os.IsNotExist(err) {
		if os.Getenv("RECORD_CASSETTES") != "1" {
			t.Skipf("cassette missing; set RECORD_CASSETTES=1 to record: %s", cassette)
		}
		err := os.MkdirAll(filepath.Dir(cassette), 0o755)
		assert.NoError(t, err, "mkdir cassettes dir should succeed")
	}

	r, err := recorder.New(cassette)
	assert.NoError(t, err, "recorder.New should not error")
	assert.NotNil(t, r, "recorder should not be nil")
	defer func() { _ = r.Stop() }()

	apiKey := os.Getenv("POLYGON_API_KEY")
	if apiKey == "" {
		apiKey = "cassette-key"
	}

	httpClient := &http.Client{Transport: r}
	client := NewClient("polygon",
		WithHTTPClient(httpClient),
		WithAPIKey(apiKey),
		WithMaxRetries(0),
	)

	ctx := context.Background()
	to := time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC)
	from := to.AddDate(0, 0, -7)
	bars, err := client.FetchBars(ctx, "AAPL", from, to, feed.Day)
	assert.NoError(t, err, "FetchBars should not error")
	assert.NotEmpty(t, bars, "bars should not be empty")
	for _, bar := range bars {
		assert.Equal(t, "AAPL", bar.Symbol)
		assert.Greater(t, bar.Close, 0.0, "close should be positive")
	}
}
