// Package capture wraps a microphone-like Device and a loudness Analyser.
// A Source hands out one live PCM stream at a time and tears it down on
// Release.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrPermissionDenied is returned when the platform refuses access to
	// the capture device.
	ErrPermissionDenied = errors.New("capture: permission denied")
	// ErrDeviceUnavailable is returned when no usable device exists.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
)

// Source owns at most one acquired stream and its analyser.
type Source struct {
	dev    Device
	format Format
	log    *zap.Logger

	mu       sync.Mutex
	stream   io.ReadCloser
	analyser *Analyser
}

// NewSource creates an unacquired source for dev.
func NewSource(dev Device, format Format, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		dev:    dev,
		format: format,
		log:    logger.With(zap.String("component", "capture")),
	}
}

// Format returns the PCM format the source requests from its device.
func (s *Source) Format() Format {
	return s.format
}

// Acquire opens the device and returns the live stream along with a fresh
// analyser. Calling Acquire while a stream is held returns the held one.
func (s *Source) Acquire(ctx context.Context) (io.Reader, *Analyser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return s.stream, s.analyser, nil
	}
	if s.dev == nil {
		return nil, nil, fmt.Errorf("%w: no device configured", ErrDeviceUnavailable)
	}

	stream, err := s.dev.Open(ctx, s.format)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		s.log.Warn("acquire failed", zap.Error(err))
		return nil, nil, err
	}

	s.stream = stream
	s.analyser = NewAnalyser()
	s.log.Debug("acquired",
		zap.Int("sample_rate", s.format.SampleRate),
		zap.Int("channels", s.format.Channels),
	)
	return s.stream, s.analyser, nil
}

// Acquired reports whether a stream is currently held.
func (s *Source) Acquired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Release closes the held stream, then clears and drops the analyser. It is
// safe to call repeatedly and before any Acquire.
func (s *Source) Release() error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.analyser.Reset()
	s.analyser = nil
	s.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("release stream: %w", err)
	}
	s.log.Debug("released")
	return nil
}
