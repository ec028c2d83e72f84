package recorder

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrReleased is returned by PlaybackPath after Release.
var ErrReleased = errors.New("recorder: clip released")

// Clip is one finished recording: a complete WAV file in memory plus a
// temporary on-disk copy used for local playback.
type Clip struct {
	Data      []byte
	MimeType  string
	Duration  time.Duration // audio length derived from the PCM size
	Fragments int
	Wall      time.Duration // wall-clock time between Start and Stop

	mu       sync.Mutex
	path     string
	released bool
}

func (c *Clip) materialize(dir string) error {
	f, err := os.CreateTemp(dir, "voxdrop-*.wav")
	if err != nil {
		return fmt.Errorf("create playback file: %w", err)
	}
	if _, err := f.Write(c.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("write playback file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("close playback file: %w", err)
	}

	c.mu.Lock()
	c.path = f.Name()
	c.mu.Unlock()
	return nil
}

// PlaybackPath returns the on-disk copy of the clip, writing it on first use
// if it was not created at stop time.
func (c *Clip) PlaybackPath() (string, error) {
	c.mu.Lock()
	path, released := c.path, c.released
	c.mu.Unlock()

	if released {
		return "", ErrReleased
	}
	if path != "" {
		return path, nil
	}
	if err := c.materialize(""); err != nil {
		return "", err
	}
	return c.PlaybackPath()
}

// Release removes the playback file. The in-memory data stays readable.
// Safe to call more than once and on a nil clip.
func (c *Clip) Release() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	path := c.path
	c.path = ""
	c.released = true
	c.mu.Unlock()

	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove playback file: %w", err)
	}
	return nil
}

// Released reports whether Release has been called.
func (c *Clip) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
