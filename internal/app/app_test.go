package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/voxdrop/internal/config"
	"github.com/large-farva/voxdrop/internal/protocol"
	"github.com/large-farva/voxdrop/internal/telemetry"
	"github.com/large-farva/voxdrop/internal/transport"
)

type daemon struct {
	app     *App
	baseURL string
	dir     string
	errc    chan error
}

func startDaemon(t *testing.T, mutate func(*config.Config)) *daemon {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(t.TempDir(), "uploads")
	cfg.Server.HeartbeatSeconds = 1
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(Options{Cfg: cfg})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{app: a, baseURL: "http://" + ln.Addr().String(), dir: cfg.Storage.Dir, errc: make(chan error, 1)}
	go func() { d.errc <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-d.errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})
	return d
}

func (d *daemon) dial(t *testing.T) *transport.Client {
	t.Helper()
	wsURL, err := transport.WebSocketURL(d.baseURL, "/ws")
	require.NoError(t, err)
	c, err := transport.Dial(context.Background(), wsURL, transport.Options{
		AckTimeout: 5 * time.Second,
		Origin:     "http://localhost:5173",
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func get(t *testing.T, url string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestUploadIsStoredServedAndListed(t *testing.T) {
	d := startDaemon(t, nil)
	c := d.dial(t)

	res, err := c.Upload(context.Background(), protocol.UploadRequest{
		Audio:    []byte("RIFF-data"),
		Filename: "recording.wav",
		FileType: "audio/wav",
	})
	require.NoError(t, err)
	assert.True(t, res.OK())

	got, err := os.ReadFile(filepath.Join(d.dir, "recording.wav"))
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF-data"), got)

	resp, body := get(t, d.baseURL+"/uploads/recording.wav", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RIFF-data", string(body))

	resp, body = get(t, d.baseURL+"/api/uploads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Uploads []struct {
			Filename string `json:"filename"`
			Size     int64  `json:"size"`
		} `json:"uploads"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Uploads, 1)
	assert.Equal(t, "recording.wav", list.Uploads[0].Filename)
	assert.Equal(t, int64(9), list.Uploads[0].Size)
}

func TestUploadEventsAreBroadcast(t *testing.T) {
	d := startDaemon(t, nil)
	watcher := d.dial(t)
	sender := d.dial(t)
	require.Eventually(t, func() bool { return d.app.hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	_, err := sender.Upload(context.Background(), protocol.UploadRequest{Audio: []byte{1}, Filename: "a.wav"})
	require.NoError(t, err)
	res, err := sender.Upload(context.Background(), protocol.UploadRequest{Audio: []byte{1}, Filename: "../a.wav"})
	require.NoError(t, err)
	assert.False(t, res.OK())

	seen := map[telemetry.EventType]bool{}
	timeout := time.After(3 * time.Second)
	for !(seen[telemetry.EventUploadStored] && seen[telemetry.EventUploadFailed]) {
		select {
		case data := <-watcher.Events():
			var ev telemetry.Event
			require.NoError(t, json.Unmarshal(data, &ev))
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestHeartbeat(t *testing.T) {
	d := startDaemon(t, nil)
	c := d.dial(t)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case data := <-c.Events():
			var hb telemetry.Heartbeat
			require.NoError(t, json.Unmarshal(data, &hb))
			if hb.Type != telemetry.EventHeartbeat {
				continue
			}
			assert.Equal(t, 1, hb.Clients)
			return
		case <-timeout:
			t.Fatal("no heartbeat")
		}
	}
}

func TestConnectIsAnnounced(t *testing.T) {
	d := startDaemon(t, nil)
	watcher := d.dial(t)
	require.Eventually(t, func() bool { return d.app.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.dial(t)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case data := <-watcher.Events():
			var line telemetry.LogLine
			require.NoError(t, json.Unmarshal(data, &line))
			if line.Type == telemetry.EventLog && strings.Contains(line.Message, "client connected") {
				return
			}
		case <-timeout:
			t.Fatal("no connect announcement")
		}
	}
}

func TestLegacyAck(t *testing.T) {
	d := startDaemon(t, func(c *config.Config) { c.Upload.LegacyAck = true })
	c := d.dial(t)

	res, err := c.Upload(context.Background(), protocol.UploadRequest{Audio: []byte{1}, Filename: "recording.wav"})
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestHealthz(t *testing.T) {
	d := startDaemon(t, nil)

	resp, body := get(t, d.baseURL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, body = get(t, d.baseURL+"/healthz", http.Header{"Accept": []string{"application/json"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Healthy bool `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.True(t, health.Healthy)
}

func TestHealthzReportsUnwritableStorage(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	d := startDaemon(t, func(c *config.Config) { c.Storage.Dir = blocker })

	resp, _ := get(t, d.baseURL+"/healthz", http.Header{"Accept": []string{"application/json"}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusAndVersion(t *testing.T) {
	d := startDaemon(t, nil)

	resp, body := get(t, d.baseURL+"/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "voxdrop", status["name"])
	assert.Equal(t, d.dir, status["storage_dir"])
	assert.EqualValues(t, 0, status["uploads"])

	resp, body = get(t, d.baseURL+"/api/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"version":"dev"`)
}

func TestStoredFilesHideTempAndListing(t *testing.T) {
	d := startDaemon(t, nil)
	require.NoError(t, os.MkdirAll(d.dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d.dir, ".x.wav.1.part"), []byte("p"), 0o644))

	resp, _ := get(t, d.baseURL+"/uploads/.x.wav.1.part", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, d.baseURL+"/uploads/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, d.baseURL+"/uploads/missing.wav", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	d := startDaemon(t, nil)

	resp, _ := get(t, d.baseURL+"/api/status", http.Header{"Origin": []string{"http://localhost:5173"}})
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	resp, _ = get(t, d.baseURL+"/api/status", http.Header{"Origin": []string{"http://evil.example"}})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	d := startDaemon(t, nil)
	wsURL, err := transport.WebSocketURL(d.baseURL, "/ws")
	require.NoError(t, err)

	_, err = transport.Dial(context.Background(), wsURL, transport.Options{Origin: "http://evil.example"})
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	d := startDaemon(t, nil)
	get(t, d.baseURL+"/healthz", nil)

	// the request metric lands just after the response is written
	require.Eventually(t, func() bool {
		resp, body := get(t, d.baseURL+"/metrics", nil)
		text := string(body)
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(text, "voxdrop_http_requests_total") &&
			strings.Contains(text, `route="/healthz"`)
	}, 2*time.Second, 20*time.Millisecond)
}
