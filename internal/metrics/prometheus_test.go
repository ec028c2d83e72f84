package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.RecordReceived()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.UploadsReceived))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.UploadsReceived))
}

func TestRecorders(t *testing.T) {
	m := New()
	m.RecordStored(2048, 10*time.Millisecond)
	m.RecordFailure("io")
	m.RecordFailure("io")
	m.RecordMessage("send-audio")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RecordDroppedBroadcast()
	m.RecordHTTPRequest(http.MethodGet, "/api/status", http.StatusOK)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsStored))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UploadFailures.WithLabelValues("io")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("send-audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedBroadcasts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/status", "200")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordStored(1, time.Second)
	m.RecordFailure("x")
	m.RecordReceived()
	m.RecordMessage("x")
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RecordDroppedBroadcast()
	m.RecordHTTPRequest("GET", "/", 200)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordReceived()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "voxdrop_uploads_received_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
