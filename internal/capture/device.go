package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Format describes the PCM produced by a device. Samples are always signed
// 16-bit little-endian.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond is the PCM data rate for f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Device opens a live PCM stream. Closing the returned stream stops the
// underlying hardware or process.
type Device interface {
	Open(ctx context.Context, f Format) (io.ReadCloser, error)
}

// ToneDevice generates a sine wave at real-time pace. It stands in for a
// microphone when no capture hardware is available.
type ToneDevice struct {
	Freq      float64 // Hz
	Amplitude float64 // 0..1 of full scale
}

func (d ToneDevice) Open(_ context.Context, f Format) (io.ReadCloser, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %+v", ErrDeviceUnavailable, f)
	}
	amp := d.Amplitude
	if amp <= 0 || amp > 1 {
		amp = 0.5
	}
	return &toneStream{
		freq:   d.Freq,
		amp:    amp * 32767,
		format: f,
		start:  time.Now(),
		done:   make(chan struct{}),
	}, nil
}

type toneStream struct {
	freq   float64
	amp    float64
	format Format
	start  time.Time

	produced int // frames handed out so far

	closeOnce sync.Once
	done      chan struct{}
}

// Read blocks until at least one frame is due according to the wall clock,
// then fills p with as many due frames as fit.
func (s *toneStream) Read(p []byte) (int, error) {
	frameSize := 2 * s.format.Channels
	if len(p) < frameSize {
		return 0, io.ErrShortBuffer
	}

	var due int
	for {
		select {
		case <-s.done:
			return 0, io.EOF
		default:
		}
		due = int(time.Since(s.start).Seconds()*float64(s.format.SampleRate)) - s.produced
		if due > 0 {
			break
		}
		select {
		case <-s.done:
			return 0, io.EOF
		case <-time.After(5 * time.Millisecond):
		}
	}

	n := min(due, len(p)/frameSize)
	for i := 0; i < n; i++ {
		t := float64(s.produced+i) / float64(s.format.SampleRate)
		sample := uint16(int16(s.amp * math.Sin(2*math.Pi*s.freq*t)))
		for ch := 0; ch < s.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(p[i*frameSize+ch*2:], sample)
		}
	}
	s.produced += n
	return n * frameSize, nil
}

func (s *toneStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// CommandDevice records by running an external program that writes raw
// S16LE PCM to stdout, e.g. arecord. The literal arguments "{rate}" and
// "{channels}" are replaced with the requested format.
type CommandDevice struct {
	Args []string
}

func (d CommandDevice) Open(ctx context.Context, f Format) (io.ReadCloser, error) {
	if len(d.Args) == 0 {
		return nil, fmt.Errorf("%w: no capture command configured", ErrDeviceUnavailable)
	}
	args := expandArgs(d.Args, f)

	// The process outlives the Open call, so it is bound to its own context
	// and killed on Close rather than when ctx ends.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, args[0], args[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, classifyStartError(args[0], err)
	}

	return &commandStream{cmd: cmd, stdout: stdout, cancel: cancel}, nil
}

func expandArgs(args []string, f Format) []string {
	r := strings.NewReplacer(
		"{rate}", strconv.Itoa(f.SampleRate),
		"{channels}", strconv.Itoa(f.Channels),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

func classifyStartError(name string, err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, name, err)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, name, err)
	default:
		return fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, name, err)
	}
}

type commandStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (s *commandStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *commandStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		// CommandContext sends SIGKILL on cancel; explicit Kill is a safety net.
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}
