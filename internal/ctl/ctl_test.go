package ctl

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/voxdrop/internal/app"
	"github.com/large-farva/voxdrop/internal/config"
	"github.com/large-farva/voxdrop/internal/session"
)

// captureOutput redirects command output into a buffer for the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := out
	out = &buf
	t.Cleanup(func() { out = prev })
	return &buf
}

// startDaemon runs a real voxdropd on a loopback port and returns a client
// config pointing at it.
func startDaemon(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(t.TempDir(), "uploads")

	a, err := app.New(app.Options{Cfg: cfg})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	cfg.Client.ServerURL = "http://" + ln.Addr().String()
	cfg.Client.AckTimeoutSeconds = 5
	cfg.Capture.Device = "tone"
	cfg.Capture.SampleRate = 8000
	cfg.Capture.TimesliceMS = 20
	return cfg
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2<<20))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h 0m 1s", formatDuration(time.Hour+time.Second))
}

func TestLevelMeter(t *testing.T) {
	captureOutput(t)
	assert.Equal(t, "          ", levelMeter(0, 10))
	assert.Equal(t, "|||||     ", levelMeter(0.5, 10))
	assert.Equal(t, "||||||||||", levelMeter(3, 10))
	assert.Equal(t, "          ", levelMeter(-1, 10))
}

func TestRenderEvent(t *testing.T) {
	buf := captureOutput(t)

	renderEvent([]byte(`{"type":"upload_stored","filename":"memo.wav","size":2048,"file_type":"audio/wav"}`))
	renderEvent([]byte(`{"type":"upload_failed","error":"disk full"}`))
	renderEvent([]byte(`{"type":"log","level":"warn","component":"voxdropd","message":"client disconnected"}`))
	renderEvent([]byte(`{"type":"heartbeat","uptime_seconds":65,"clients":2}`))
	renderEvent([]byte(`not json`))

	got := buf.String()
	assert.Contains(t, got, "STORED  memo.wav  2.0 KB audio/wav")
	assert.Contains(t, got, "FAILED  (unnamed)  disk full")
	assert.Contains(t, got, "WARN   [voxdropd] client disconnected")
	assert.Contains(t, got, "up 1m 5s")
	assert.Contains(t, got, "2 client(s)")
	assert.Contains(t, got, "not json")
}

func TestEventType(t *testing.T) {
	assert.Equal(t, "heartbeat", eventType([]byte(`{"type":"heartbeat"}`)))
	assert.Equal(t, "", eventType([]byte(`[]`)))
}

func TestQueryCommands(t *testing.T) {
	cfg := startDaemon(t)
	base := cfg.Client.ServerURL

	buf := captureOutput(t)
	require.NoError(t, Status(base, false))
	assert.Contains(t, buf.String(), "VOXDROP STATUS")
	assert.Contains(t, buf.String(), "structured")

	buf.Reset()
	require.NoError(t, Health(base, false))
	assert.Contains(t, buf.String(), "HEALTHY")
	assert.Contains(t, buf.String(), "storage")

	buf.Reset()
	require.NoError(t, Uploads(base, false))
	assert.Contains(t, buf.String(), "No uploads stored.")

	buf.Reset()
	require.NoError(t, VersionInfo(base, true))
	assert.Contains(t, buf.String(), `"daemon"`)
}

func TestStatusUnreachable(t *testing.T) {
	captureOutput(t)
	assert.Error(t, Status("http://127.0.0.1:1", false))
}

func TestSendStoresFile(t *testing.T) {
	cfg := startDaemon(t)
	buf := captureOutput(t)

	path := filepath.Join(t.TempDir(), "memo.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF-fake-audio"), 0o644))

	require.NoError(t, Send(context.Background(), cfg, nil, path, SendOptions{Filename: "standup.wav"}))
	assert.Contains(t, buf.String(), "SENT")

	got, err := os.ReadFile(filepath.Join(cfg.Storage.Dir, "standup.wav"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF-fake-audio", string(got))

	buf.Reset()
	require.NoError(t, Uploads(cfg.Client.ServerURL, false))
	assert.Contains(t, buf.String(), "standup.wav")
}

func TestSendDefaultsToBaseName(t *testing.T) {
	cfg := startDaemon(t)
	buf := captureOutput(t)

	path := filepath.Join(t.TempDir(), "note.wav")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, Send(context.Background(), cfg, nil, path, SendOptions{JSON: true}))
	assert.Contains(t, buf.String(), `"filename": "note.wav"`)
	assert.FileExists(t, filepath.Join(cfg.Storage.Dir, "note.wav"))
}

func TestSendWithoutDaemon(t *testing.T) {
	cfg := config.Default()
	cfg.Client.ServerURL = "http://127.0.0.1:1"
	captureOutput(t)

	path := filepath.Join(t.TempDir(), "note.wav")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	err := Send(context.Background(), cfg, nil, path, SendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), session.MsgConnectionError)
}

func TestRecordTimedSendsClip(t *testing.T) {
	cfg := startDaemon(t)
	cfg.Client.Filename = "take.wav"
	buf := captureOutput(t)

	saved := filepath.Join(t.TempDir(), "local.wav")
	err := Record(context.Background(), cfg, nil, RecordOptions{
		Duration: 300 * time.Millisecond,
		Send:     true,
		Output:   saved,
	})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "● REC")
	assert.Contains(t, buf.String(), "SAVED")
	assert.Contains(t, buf.String(), "SENT")

	stored, err := os.ReadFile(filepath.Join(cfg.Storage.Dir, "take.wav"))
	require.NoError(t, err)
	local, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, local, stored)
	assert.Equal(t, "RIFF", string(stored[:4]))
}

func TestRecordTimedWithoutDaemonFailsSend(t *testing.T) {
	cfg := config.Default()
	cfg.Client.ServerURL = "http://127.0.0.1:1"
	cfg.Capture.Device = "tone"
	cfg.Capture.SampleRate = 8000
	cfg.Capture.TimesliceMS = 20
	buf := captureOutput(t)

	err := Record(context.Background(), cfg, nil, RecordOptions{Duration: 100 * time.Millisecond, Send: true})
	require.Error(t, err)
	assert.Equal(t, session.MsgConnectionError, err.Error())
	assert.Contains(t, buf.String(), "daemon unreachable")
}

func TestRecordStartFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.Device = "command"
	cfg.Capture.Command = nil
	captureOutput(t)

	err := Record(context.Background(), cfg, nil, RecordOptions{Duration: time.Second})
	require.Error(t, err)
	assert.Equal(t, "No microphone is available.", err.Error())
}

func TestRecordInteractive(t *testing.T) {
	cfg := startDaemon(t)
	cfg.Client.Filename = "interactive.wav"
	buf := captureOutput(t)

	pr, pw := io.Pipe()
	prev := in
	in = pr
	t.Cleanup(func() {
		in = prev
		pw.Close()
	})

	done := make(chan error, 1)
	go func() { done <- Record(context.Background(), cfg, nil, RecordOptions{}) }()

	write := func(line string) {
		_, err := io.WriteString(pw, line+"\n")
		require.NoError(t, err)
	}
	write("")
	time.Sleep(200 * time.Millisecond)
	write("")
	write("s")
	write("q")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("interactive record did not exit")
	}

	got := buf.String()
	assert.Contains(t, got, "VOXDROP RECORDER")
	assert.Contains(t, got, "CLIP")
	assert.Contains(t, got, "SENT")
	assert.True(t, strings.Contains(got, "[idle]"))
	assert.FileExists(t, filepath.Join(cfg.Storage.Dir, "interactive.wav"))
}
