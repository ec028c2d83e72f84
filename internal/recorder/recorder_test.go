package recorder

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/voxdrop/internal/capture"
)

var testFormat = capture.Format{SampleRate: 8000, Channels: 1}

func newTestRecorder(t *testing.T, timeslice time.Duration) *Recorder {
	t.Helper()
	return New(Options{
		Format:    testFormat,
		Timeslice: timeslice,
		TempDir:   t.TempDir(),
	})
}

// eofSignal wraps a reader and closes done once it reports EOF.
type eofSignal struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func (e *eofSignal) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.once.Do(func() { close(e.done) })
	}
	return n, err
}

// blockingStream never produces data until closed.
type blockingStream struct{ closed chan struct{} }

func (b *blockingStream) Read([]byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func counting(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestStartWithoutStream(t *testing.T) {
	r := newTestRecorder(t, 0)
	assert.ErrorIs(t, r.Start(nil, nil), ErrNotAcquired)
	assert.Equal(t, Idle, r.State())
}

func TestStopWhenIdle(t *testing.T) {
	r := newTestRecorder(t, 0)
	_, err := r.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestStartTwice(t *testing.T) {
	r := newTestRecorder(t, 0)
	s := &blockingStream{closed: make(chan struct{})}
	defer close(s.closed)

	require.NoError(t, r.Start(s, nil))
	assert.ErrorIs(t, r.Start(s, nil), ErrAlreadyRecording)
	assert.Equal(t, Recording, r.State())

	_, err := r.Stop(context.Background())
	require.NoError(t, err)
}

func TestStopBeforeAnyFragmentYieldsEmptyClip(t *testing.T) {
	r := newTestRecorder(t, time.Hour)
	s := &blockingStream{closed: make(chan struct{})}
	defer close(s.closed)

	require.NoError(t, r.Start(s, nil))
	clip, err := r.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Idle, r.State())
	assert.Equal(t, 0, clip.Fragments)
	assert.Len(t, clip.Data, wavHeaderSize)
	assert.Equal(t, "RIFF", string(clip.Data[0:4]))
	assert.Equal(t, "WAVE", string(clip.Data[8:12]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(clip.Data[40:44]))
	assert.Equal(t, time.Duration(0), clip.Duration)
	assert.Equal(t, MimeType, clip.MimeType)
	require.NoError(t, clip.Release())
}

func TestFragmentsPreserveOrderAndContent(t *testing.T) {
	r := newTestRecorder(t, 5*time.Millisecond)
	pcm := counting(64 * 1024)
	src := &eofSignal{r: bytes.NewReader(pcm), done: make(chan struct{})}

	var tap bytes.Buffer
	require.NoError(t, r.Start(src, &tap))
	<-src.done

	clip, err := r.Stop(context.Background())
	require.NoError(t, err)
	defer clip.Release()

	assert.Equal(t, pcm, clip.Data[wavHeaderSize:])
	assert.Equal(t, pcm, tap.Bytes())
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(clip.Data[40:44]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(clip.Data[4:8]))
	assert.GreaterOrEqual(t, clip.Fragments, 1)
	assert.Equal(t, 4096*time.Millisecond, clip.Duration) // 65536 B at 16000 B/s
}

func TestSequenceNumbersFollowAppendOrder(t *testing.T) {
	r := newTestRecorder(t, time.Millisecond)
	stream, err := capture.ToneDevice{Freq: 440}.Open(context.Background(), testFormat)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, r.Start(stream, nil))
	time.Sleep(50 * time.Millisecond)
	_, err = r.Stop(context.Background())
	require.NoError(t, err)

	frags := r.Fragments()
	require.NotEmpty(t, frags)
	for i, f := range frags {
		assert.Equal(t, i, f.Seq)
		assert.NotEmpty(t, f.Data)
	}
}

func TestClipDurationTracksRecordingTime(t *testing.T) {
	timeslice := 50 * time.Millisecond
	r := newTestRecorder(t, timeslice)
	stream, err := capture.ToneDevice{Freq: 440}.Open(context.Background(), testFormat)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, r.Start(stream, nil))
	time.Sleep(400 * time.Millisecond)
	clip, err := r.Stop(context.Background())
	require.NoError(t, err)
	defer clip.Release()

	assert.InDelta(t, clip.Wall.Seconds(), clip.Duration.Seconds(), (timeslice + 50*time.Millisecond).Seconds())
}

func TestStopHonoursContext(t *testing.T) {
	r := newTestRecorder(t, time.Hour)
	s := &blockingStream{closed: make(chan struct{})}
	defer close(s.closed)
	require.NoError(t, r.Start(s, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// a cancelled context races with a fast encoder; either way the
	// recorder must end up idle and startable again
	_, _ = r.Stop(ctx)
	assert.Equal(t, Idle, r.State())
	require.NoError(t, r.Start(s, nil))
	_, err := r.Stop(context.Background())
	require.NoError(t, err)
}

func TestClipPlaybackFileLifecycle(t *testing.T) {
	r := newTestRecorder(t, time.Hour)
	src := &eofSignal{r: bytes.NewReader(counting(1000)), done: make(chan struct{})}
	require.NoError(t, r.Start(src, nil))
	<-src.done

	clip, err := r.Stop(context.Background())
	require.NoError(t, err)

	path, err := clip.PlaybackPath()
	require.NoError(t, err)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, clip.Data, onDisk)

	require.NoError(t, clip.Release())
	require.NoError(t, clip.Release())
	assert.True(t, clip.Released())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = clip.PlaybackPath()
	assert.ErrorIs(t, err, ErrReleased)
	assert.NotEmpty(t, clip.Data)
}

func TestZeroFormatDefaultsSampleRate(t *testing.T) {
	r := New(Options{TempDir: t.TempDir()})
	pcm := counting(9600) // 100ms of mono S16LE at 48 kHz
	src := &eofSignal{r: bytes.NewReader(pcm), done: make(chan struct{})}

	require.NoError(t, r.Start(src, nil))
	<-src.done

	clip, err := r.Stop(context.Background())
	require.NoError(t, err)
	defer clip.Release()

	assert.Equal(t, uint32(DefaultSampleRate), binary.LittleEndian.Uint32(clip.Data[24:28]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(clip.Data[22:24]))
	assert.InDelta(t, float64(100*time.Millisecond), float64(clip.Duration), float64(time.Microsecond))
}

func TestRecorderIsReusable(t *testing.T) {
	r := newTestRecorder(t, time.Millisecond)
	for i := 0; i < 3; i++ {
		data := counting(100 * (i + 1))
		src := &eofSignal{r: bytes.NewReader(data), done: make(chan struct{})}
		require.NoError(t, r.Start(src, nil))
		<-src.done
		clip, err := r.Stop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, data, clip.Data[wavHeaderSize:])
		require.NoError(t, clip.Release())
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "IDLE", Idle.String())
	assert.Equal(t, "RECORDING", Recording.String())
	assert.Equal(t, "State(7)", State(7).String())
}
