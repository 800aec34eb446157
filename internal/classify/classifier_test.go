package classify

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/config"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
	"grimm.is/floe/internal/store"
)

func newTestClassifier(t *testing.T, hcl string) (*Classifier, *store.Store) {
	t.Helper()
	cfg, err := config.Parse("test.hcl", []byte(hcl))
	require.NoError(t, err)

	logger := logging.New(logging.Config{Level: logging.LevelError})
	st, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	return New(cfg, st, logger, reg), st
}

const classifierConfig = `
defaults {
  rate_threshold_bytes = 1000
  window_seconds       = 15
}

threshold "200" {
  rate_threshold_bytes = 100
  window_seconds       = 30
  daily_limit_seconds  = 3600
}

app "Video" {
  pattern = "googlevideo|youtube"
}

app "Video2" {
  pattern = "youtube"
}

whitelist {
  patterns = ["(^|\\.)wikipedia\\.org$"]
}
`

func TestClassifyAccruesOverThreshold(t *testing.T) {
	c, st := newTestClassifier(t, classifierConfig)
	batch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Default threshold is 1000 B/s over 15 s = 15000 bytes.
	samples := []Sample{
		{Segment: 100, Address: "10.0.100.5", Bytes: 20000, Timestamp: batch, DNSQuery: "r3.googlevideo.com."},
		{Segment: 100, Address: "10.0.100.5", Bytes: 50000, Timestamp: batch, DNSQuery: "r4.googlevideo.com."},
		{Segment: 100, Address: "10.0.100.5", Bytes: 100, Timestamp: batch, DNSQuery: "r5.googlevideo.com."},
	}
	require.NoError(t, c.Classify(samples, batch))

	rows, err := st.ListUsage(100, batch.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "10.0.100.5", rows[0].Address)
	assert.Equal(t, "Video", rows[0].App)
	assert.Equal(t, 30, rows[0].Seconds) // two samples x 15s window
	assert.True(t, rows[0].Timestamp.Equal(batch))
}

func TestClassifyFirstMatchWins(t *testing.T) {
	c, _ := newTestClassifier(t, classifierConfig)
	// "youtube" matches both signatures; declared order decides.
	assert.Equal(t, "Video", c.matchApp("www.youtube.com"))
	assert.Equal(t, "", c.matchApp("example.org"))
}

func TestClassifyWhitelistNeverAccounts(t *testing.T) {
	c, st := newTestClassifier(t, classifierConfig)
	batch := time.Now().UTC()

	samples := []Sample{
		{Segment: 100, Address: "10.0.100.9", Bytes: 1 << 30, Timestamp: batch, DNSQuery: "en.wikipedia.org."},
		{Segment: 100, Address: "10.0.100.9", Bytes: 1 << 30, Timestamp: batch, DNSQuery: "WIKIPEDIA.ORG"},
	}
	require.NoError(t, c.Classify(samples, batch))

	total, err := st.SumUsageSince(100, batch.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestClassifyPerSegmentThreshold(t *testing.T) {
	c, st := newTestClassifier(t, classifierConfig)
	batch := time.Now().UTC()

	// Segment 200: 100 B/s over 30 s = 3000 bytes.
	samples := []Sample{
		{Segment: 200, Address: "10.0.200.2", Bytes: 3500, Timestamp: batch},
		{Segment: 200, Address: "10.0.200.2", Bytes: 2999, Timestamp: batch},
	}
	require.NoError(t, c.Classify(samples, batch))

	total, err := st.SumUsageSince(200, batch.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(30), total)
}

func TestClassifySkipsBadSamples(t *testing.T) {
	c, st := newTestClassifier(t, classifierConfig)
	batch := time.Now().UTC()

	samples := []Sample{
		{Segment: 100, Address: "", Bytes: 99999, Timestamp: batch},
		{Segment: 100, Address: "10.0.100.1", Bytes: -5, Timestamp: batch},
		{Segment: 100, Address: "10.0.100.1", Bytes: 99999, Timestamp: batch},
	}
	require.NoError(t, c.Classify(samples, batch))

	total, err := st.SumUsageSince(100, batch.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(15), total)
}

func TestClassifyMalformedSignatureSkipped(t *testing.T) {
	c, _ := newTestClassifier(t, `
app "Broken" {
  pattern = "(["
}

app "Good" {
  pattern = "netflix"
}

whitelist {
  patterns = ["(["]
}
`)
	require.Len(t, c.signatures, 1)
	assert.Equal(t, "Good", c.signatures[0].name)
	assert.Empty(t, c.whitelist)
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "cdn.example.com", normalizeQuery("CDN.Example.Com."))
	assert.Equal(t, "", normalizeQuery(""))
}
