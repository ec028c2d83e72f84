// Package session drives one recording session: capture, record, preview and
// upload, in the order a user is allowed to perform them. It owns the
// user-visible state (elapsed time, loudness, sending flag, inline error) and
// the single clip.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/large-farva/voxdrop/internal/capture"
	"github.com/large-farva/voxdrop/internal/protocol"
	"github.com/large-farva/voxdrop/internal/recorder"
	"github.com/large-farva/voxdrop/internal/transport"
)

var (
	// ErrBusy is returned by Start while an upload is in flight.
	ErrBusy = errors.New("session: upload in progress")
	// ErrNoClip is returned by Play when nothing has been recorded.
	ErrNoClip = errors.New("session: no recording")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")
)

// DefaultFilename is the name every upload is stored under unless configured
// otherwise. Consecutive uploads overwrite each other on the server.
const DefaultFilename = "recording.wav"

// Failure reasons produced by Send itself, before anything reaches the wire.
const (
	ReasonNoRecording     = "no recording"
	ReasonConnectionError = "connection error"
	ReasonBusy            = "upload in progress"
)

// Inline messages shown to the user.
const (
	MsgNoRecording     = "Please record audio first."
	MsgConnectionError = "Connection error. Please try again."
	MsgInvalidResponse = "Received an invalid response from the server. Please try again."
	msgSendFailed      = "Failed to send audio."
)

// State is the session's position in the record/preview cycle.
type State int

const (
	Idle State = iota
	Recording
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Recording:
		return "RECORDING"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Capturer hands out a live PCM stream with its loudness analyser.
// *capture.Source implements it.
type Capturer interface {
	Acquire(ctx context.Context) (io.Reader, *capture.Analyser, error)
	Release() error
}

// Uploader delivers one clip and reports the server's verdict.
// *transport.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, req protocol.UploadRequest) (protocol.Result, error)
	Connected() bool
}

// Player plays a WAV file to completion.
type Player interface {
	Play(ctx context.Context, path string) error
}

// CommandPlayer plays a file by running Args followed by the file path.
type CommandPlayer struct {
	Args []string
}

// Play runs the player command and waits for it to exit.
func (p CommandPlayer) Play(ctx context.Context, path string) error {
	if len(p.Args) == 0 {
		return errors.New("session: no player command configured")
	}
	args := append(append([]string(nil), p.Args[1:]...), path)
	cmd := exec.CommandContext(ctx, p.Args[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("session: play %s: %w: %s", path, err, out)
	}
	return nil
}

// Snapshot is a copy of the user-visible session state.
type Snapshot struct {
	State        State
	StartedAt    time.Time
	Elapsed      int     // whole seconds since StartedAt while recording
	Loudness     float64 // 0..1
	Sending      bool
	Error        string
	HasClip      bool
	ClipDuration time.Duration
}

// Options configures a Controller.
type Options struct {
	Capture  Capturer
	Recorder *recorder.Recorder
	Uploader Uploader
	Player   Player

	Filename       string        // default DefaultFilename
	FileType       string        // default is the clip's MIME type
	TickInterval   time.Duration // elapsed counter period; default 1s
	SampleInterval time.Duration // loudness sampling period; default 50ms
	StopTimeout    time.Duration // used by Close; default 5s
	Logger         *zap.Logger

	// OnChange is called with the new state after every change. It runs with
	// the controller locked and must not call back into it.
	OnChange func(Snapshot)
}

// Controller serialises session operations. The upload round-trip runs
// without the lock so Snapshot stays responsive while sending.
type Controller struct {
	capture  Capturer
	rec      *recorder.Recorder
	uploader Uploader
	player   Player

	filename       string
	fileType       string
	tickInterval   time.Duration
	sampleInterval time.Duration
	stopTimeout    time.Duration
	log            *zap.Logger
	onChange       func(Snapshot)

	mu        sync.Mutex
	state     State
	startedAt time.Time
	elapsed   int
	loudness  float64
	sending   bool
	errMsg    string
	clip      *recorder.Clip
	closed    bool

	// ticker and sampler of the current recording only
	cancelTasks context.CancelFunc
	tasks       *sync.WaitGroup
}

// New returns an idle controller. Capture and Recorder are required.
func New(opts Options) (*Controller, error) {
	if opts.Capture == nil {
		return nil, errors.New("session: capture source is required")
	}
	if opts.Recorder == nil {
		return nil, errors.New("session: recorder is required")
	}
	if opts.Filename == "" {
		opts.Filename = DefaultFilename
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 50 * time.Millisecond
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		capture:        opts.Capture,
		rec:            opts.Recorder,
		uploader:       opts.Uploader,
		player:         opts.Player,
		filename:       opts.Filename,
		fileType:       opts.FileType,
		tickInterval:   opts.TickInterval,
		sampleInterval: opts.SampleInterval,
		stopTimeout:    opts.StopTimeout,
		log:            opts.Logger.With(zap.String("component", "session")),
		onChange:       opts.OnChange,
	}, nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:     c.state,
		StartedAt: c.startedAt,
		Elapsed:   c.elapsed,
		Loudness:  c.loudness,
		Sending:   c.sending,
		Error:     c.errMsg,
		HasClip:   c.clip != nil,
	}
	if c.clip != nil {
		s.ClipDuration = c.clip.Duration
	}
	return s
}

func (c *Controller) changedLocked() {
	if c.onChange != nil {
		c.onChange(c.snapshotLocked())
	}
}

// Clip returns the current clip, or nil.
func (c *Controller) Clip() *recorder.Clip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clip
}

// Start acquires the capture device and begins recording. On failure the
// error is also set as the inline message and the previous state, including
// any earlier clip, is kept.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.sending:
		return ErrBusy
	case c.state == Recording:
		return recorder.ErrAlreadyRecording
	}

	stream, analyser, err := c.capture.Acquire(ctx)
	if err != nil {
		c.log.Error("start recording", zap.Error(err))
		c.errMsg = captureMessage(err)
		c.changedLocked()
		return err
	}
	var tap io.Writer
	if analyser != nil {
		tap = analyser
	}
	if err := c.rec.Start(stream, tap); err != nil {
		c.log.Error("start recording", zap.Error(err))
		_ = c.capture.Release()
		c.errMsg = fmt.Sprintf("Could not start recording: %v", err)
		c.changedLocked()
		return err
	}

	if err := c.clip.Release(); err != nil {
		c.log.Warn("release previous clip", zap.Error(err))
	}
	c.clip = nil
	c.state = Recording
	c.startedAt = time.Now()
	c.elapsed = 0
	c.loudness = 0
	c.errMsg = ""

	taskCtx, cancel := context.WithCancel(context.Background())
	tasks := &sync.WaitGroup{}
	tasks.Add(2)
	c.cancelTasks = cancel
	c.tasks = tasks
	go c.tick(taskCtx, tasks)
	go c.sample(taskCtx, analyser, tasks)

	c.log.Info("recording started")
	c.changedLocked()
	return nil
}

// tick advances the elapsed counter until ctx is cancelled.
func (c *Controller) tick(ctx context.Context, tasks *sync.WaitGroup) {
	defer tasks.Done()
	t := time.NewTicker(c.tickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			// checked under the lock so nothing lands after Stop
			if ctx.Err() != nil {
				c.mu.Unlock()
				return
			}
			c.elapsed++
			c.changedLocked()
			c.mu.Unlock()
		}
	}
}

// sample polls the analyser's loudness until ctx is cancelled.
func (c *Controller) sample(ctx context.Context, a *capture.Analyser, tasks *sync.WaitGroup) {
	defer tasks.Done()
	t := time.NewTicker(c.sampleInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			level := a.Level()
			c.mu.Lock()
			if ctx.Err() != nil {
				c.mu.Unlock()
				return
			}
			c.loudness = level
			c.changedLocked()
			c.mu.Unlock()
		}
	}
}

// stopTasksLocked cancels the ticker and sampler and returns their group,
// which the caller waits on after unlocking. A later Start gets a new group,
// so that wait never covers the next recording's tasks.
func (c *Controller) stopTasksLocked() *sync.WaitGroup {
	if c.cancelTasks != nil {
		c.cancelTasks()
		c.cancelTasks = nil
	}
	tasks := c.tasks
	c.tasks = nil
	if tasks == nil {
		tasks = &sync.WaitGroup{}
	}
	return tasks
}

// Stop ends the recording, keeps the resulting clip and releases the capture
// device. The ticker and sampler have exited when Stop returns.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Recording {
		c.mu.Unlock()
		return recorder.ErrNotRecording
	}

	tasks := c.stopTasksLocked()
	clip, err := c.rec.Stop(ctx)
	if rerr := c.capture.Release(); rerr != nil {
		c.log.Warn("release capture", zap.Error(rerr))
	}
	c.elapsed = 0
	c.loudness = 0

	if err != nil {
		c.log.Error("stop recording", zap.Error(err))
		c.state = Idle
		c.errMsg = fmt.Sprintf("Could not finish recording: %v", err)
	} else {
		c.state = Stopped
		c.clip = clip
		c.log.Info("recording stopped",
			zap.Duration("duration", clip.Duration),
			zap.Int("fragments", clip.Fragments),
			zap.Int("bytes", len(clip.Data)),
		)
	}
	c.changedLocked()
	c.mu.Unlock()

	tasks.Wait()
	return err
}

// Toggle starts a recording when none is running and stops it otherwise.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	recording := c.state == Recording
	c.mu.Unlock()

	if recording {
		return c.Stop(ctx)
	}
	return c.Start(ctx)
}

// Send uploads the clip. Success discards the clip; any failure keeps it and
// sets the inline message.
func (c *Controller) Send(ctx context.Context) protocol.Result {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return protocol.Failure(ReasonConnectionError)
	case c.sending:
		c.mu.Unlock()
		return protocol.Failure(ReasonBusy)
	case c.clip == nil:
		c.errMsg = MsgNoRecording
		c.changedLocked()
		c.mu.Unlock()
		return protocol.Failure(ReasonNoRecording)
	case c.uploader == nil || !c.uploader.Connected():
		c.errMsg = MsgConnectionError
		c.changedLocked()
		c.mu.Unlock()
		return protocol.Failure(ReasonConnectionError)
	}

	clip := c.clip
	fileType := c.fileType
	if fileType == "" {
		fileType = clip.MimeType
	}
	c.sending = true
	c.errMsg = ""
	c.changedLocked()
	c.mu.Unlock()

	res, err := c.uploader.Upload(ctx, protocol.UploadRequest{
		Audio:    clip.Data,
		Filename: c.filename,
		FileType: fileType,
	})
	if err != nil {
		c.log.Error("upload", zap.String("filename", c.filename), zap.Error(err))
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrConnectionClosed) {
			res = protocol.Failure(ReasonConnectionError)
		} else {
			res = protocol.Failure(err.Error())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending = false

	if res.OK() {
		c.log.Info("upload acknowledged", zap.String("filename", c.filename), zap.Int("bytes", len(clip.Data)))
		if err := clip.Release(); err != nil {
			c.log.Warn("release clip", zap.Error(err))
		}
		if c.clip == clip {
			c.clip = nil
			c.state = Idle
		}
	} else {
		c.log.Warn("upload rejected", zap.String("filename", c.filename), zap.String("reason", res.Reason()))
		c.errMsg = FailureMessage(res.Reason())
	}
	c.changedLocked()
	return res
}

// Play previews the clip through the configured player.
func (c *Controller) Play(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.clip == nil {
		c.errMsg = MsgNoRecording
		c.changedLocked()
		c.mu.Unlock()
		return ErrNoClip
	}
	path, err := c.clip.PlaybackPath()
	player := c.player
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if player == nil {
		return errors.New("session: no player configured")
	}
	c.log.Debug("playing clip", zap.String("path", path))
	return player.Play(ctx, path)
}

// Close stops any running recording, releases the capture device and the
// clip, and closes the uploader if it can be closed. Safe to call twice.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tasks := c.stopTasksLocked()

	var errs []error
	if c.rec.State() == recorder.Recording {
		ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
		clip, err := c.rec.Stop(ctx)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
		if err := clip.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.capture.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := c.clip.Release(); err != nil {
		errs = append(errs, err)
	}
	c.clip = nil
	c.state = Idle
	c.elapsed = 0
	c.loudness = 0
	uploader := c.uploader
	c.changedLocked()
	c.mu.Unlock()

	tasks.Wait()
	if closer, ok := uploader.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func captureMessage(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Microphone access was denied."
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "No microphone is available."
	default:
		return fmt.Sprintf("Could not start recording: %v", err)
	}
}

// FailureMessage renders a failed upload for the user.
func FailureMessage(reason string) string {
	switch reason {
	case "":
		return msgSendFailed + " Please try again."
	case protocol.ReasonInvalidResponse:
		return MsgInvalidResponse
	case ReasonConnectionError:
		return MsgConnectionError
	default:
		return msgSendFailed + " " + reason
	}
}

// FormatElapsed renders whole seconds as MM:SS.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
