// Package recorder turns a live PCM stream into a single WAV clip. While
// recording, an encoder goroutine cuts the stream into time-sliced fragments;
// stopping is two-phase so the last fragment is never lost.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/large-farva/voxdrop/internal/capture"
)

var (
	ErrNotAcquired      = errors.New("recorder: no live stream acquired")
	ErrAlreadyRecording = errors.New("recorder: already recording")
	ErrNotRecording     = errors.New("recorder: not recording")
)

// MimeType is the content type of every clip the recorder produces.
const MimeType = "audio/wav"

// DefaultSampleRate is used when Options.Format leaves the rate unset.
const DefaultSampleRate = 48000

// State is the recorder lifecycle position.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Recording:
		return "RECORDING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Fragment is one encoder-emitted block. Seq is its position in the
// recording, starting at 0.
type Fragment struct {
	Seq  int
	Data []byte
}

// Options configures a Recorder.
type Options struct {
	Format    capture.Format
	Timeslice time.Duration // audio per fragment; default 250ms
	TempDir   string        // where playback files go; default os.TempDir
	Logger    *zap.Logger
}

// Recorder is safe for concurrent use, but only one recording runs at a time.
type Recorder struct {
	format    capture.Format
	timeslice time.Duration
	tempDir   string
	log       *zap.Logger

	mu    sync.Mutex
	state State
	cur   *take
}

// take is the accumulator of one recording. Each Start gets a fresh one so a
// stale encoder can never write into a later recording.
type take struct {
	startedAt time.Time
	finalize  chan struct{} // closed by Stop
	done      chan struct{} // closed by the encoder after the last fragment

	mu        sync.Mutex
	fragments []Fragment
	streamErr error
}

func (t *take) append(data []byte) {
	t.mu.Lock()
	t.fragments = append(t.fragments, Fragment{Seq: len(t.fragments), Data: data})
	t.mu.Unlock()
}

func (t *take) snapshot() ([]Fragment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fragments, t.streamErr
}

// New returns an idle recorder.
func New(opts Options) *Recorder {
	if opts.Timeslice <= 0 {
		opts.Timeslice = 250 * time.Millisecond
	}
	if opts.Format.SampleRate <= 0 {
		opts.Format.SampleRate = DefaultSampleRate
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Recorder{
		format:    opts.Format,
		timeslice: opts.Timeslice,
		tempDir:   opts.TempDir,
		log:       opts.Logger.With(zap.String("component", "recorder")),
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Fragments returns a copy of the fragments of the current or last
// recording, in append order.
func (r *Recorder) Fragments() []Fragment {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur == nil {
		return nil
	}
	frags, _ := cur.snapshot()
	return append([]Fragment(nil), frags...)
}

// Start begins consuming stream. Every block read is also written to tap
// (if non-nil) before it is encoded, which is how the loudness analyser is
// fed.
func (r *Recorder) Start(stream io.Reader, tap io.Writer) error {
	if stream == nil {
		return ErrNotAcquired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Recording {
		return ErrAlreadyRecording
	}

	tk := &take{
		startedAt: time.Now(),
		finalize:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.state = Recording
	r.cur = tk

	blocks := make(chan []byte, 8)
	go pump(tk, stream, tap, blocks)
	go encode(tk, r.timeslice, blocks)

	r.log.Debug("recording started", zap.Duration("timeslice", r.timeslice))
	return nil
}

// Stop signals the encoder to finalize, waits for its last fragment, and
// assembles the clip. If ctx ends first the recording is discarded and the
// recorder still returns to Idle.
func (r *Recorder) Stop(ctx context.Context) (*Clip, error) {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	tk := r.cur
	r.mu.Unlock()

	close(tk.finalize)

	var waitErr error
	select {
	case <-tk.done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for encoder flush: %w", ctx.Err())
	}

	r.mu.Lock()
	r.state = Idle
	r.mu.Unlock()

	if waitErr != nil {
		return nil, waitErr
	}

	fragments, streamErr := tk.snapshot()

	if streamErr != nil {
		r.log.Warn("stream ended early", zap.Error(streamErr))
	}

	data := encodeWAV(r.format.SampleRate, r.format.Channels, fragments)
	clip := &Clip{
		Data:      data,
		MimeType:  MimeType,
		Duration:  pcmDuration(len(data)-wavHeaderSize, r.format),
		Fragments: len(fragments),
		Wall:      time.Since(tk.startedAt),
	}
	if err := clip.materialize(r.tempDir); err != nil {
		// playback is optional; the clip itself is still good
		r.log.Warn("playback file not created", zap.Error(err))
	}

	r.log.Info("recording stopped",
		zap.Int("fragments", clip.Fragments),
		zap.Int("bytes", len(clip.Data)),
		zap.Duration("duration", clip.Duration),
	)
	return clip, nil
}

// pump copies stream into blocks until the stream ends or finalize closes.
func pump(tk *take, stream io.Reader, tap io.Writer, blocks chan<- []byte) {
	defer close(blocks)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			if tap != nil {
				_, _ = tap.Write(b)
			}
			// Prefer delivery; only give up once finalize has closed and
			// the encoder is no longer receiving.
			select {
			case blocks <- b:
			default:
				select {
				case blocks <- b:
				case <-tk.finalize:
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				tk.mu.Lock()
				tk.streamErr = err
				tk.mu.Unlock()
			}
			return
		}
	}
}

// encode batches blocks into one fragment per timeslice. On finalize it
// drains whatever the pump already handed over, emits it as the last
// fragment, and closes done.
func encode(tk *take, timeslice time.Duration, blocks <-chan []byte) {
	defer close(tk.done)

	t := time.NewTicker(timeslice)
	defer t.Stop()

	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		tk.append(pending)
		pending = nil
	}

	for {
		select {
		case b, ok := <-blocks:
			if !ok {
				blocks = nil // stream over; wait for finalize
				continue
			}
			pending = append(pending, b...)
		case <-t.C:
			flush()
		case <-tk.finalize:
			if blocks != nil {
			drain:
				for {
					select {
					case b, ok := <-blocks:
						if !ok {
							break drain
						}
						pending = append(pending, b...)
					default:
						break drain
					}
				}
			}
			flush()
			return
		}
	}
}

func pcmDuration(n int, f capture.Format) time.Duration {
	bps := f.BytesPerSecond()
	if n <= 0 || bps <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(bps) * float64(time.Second))
}
