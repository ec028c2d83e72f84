package ctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/large-farva/voxdrop/internal/capture"
	"github.com/large-farva/voxdrop/internal/config"
	"github.com/large-farva/voxdrop/internal/recorder"
	"github.com/large-farva/voxdrop/internal/session"
	"github.com/large-farva/voxdrop/internal/transport"
)

// in is where interactive commands are read from. Tests swap it.
var in io.Reader = os.Stdin

const meterRefresh = 100 * time.Millisecond

// RecordOptions controls the record command.
type RecordOptions struct {
	Duration time.Duration // record this long, then stop; zero means interactive
	Send     bool          // upload after a timed recording
	Play     bool          // preview after a timed recording
	Output   string        // also write the clip to this path
}

// Record runs a recording session against the configured capture device.
// With a Duration it records once and optionally plays, saves, and sends the
// clip. Without one it reads single-letter commands from stdin.
func Record(ctx context.Context, cfg config.Config, log *zap.Logger, opts RecordOptions) error {
	if log == nil {
		log = zap.NewNop()
	}
	src := capture.NewSource(newDevice(cfg.Capture), capture.Format{SampleRate: cfg.Capture.SampleRate, Channels: 1}, log)
	rec := recorder.New(recorder.Options{
		Format:    src.Format(),
		Timeslice: cfg.Capture.Timeslice(),
		Logger:    log,
	})

	interactive := opts.Duration <= 0
	sopts := session.Options{
		Capture:  src,
		Recorder: rec,
		Player:   session.CommandPlayer{Args: strings.Fields(cfg.Client.Player)},
		Filename: cfg.Client.Filename,
		FileType: cfg.Client.FileType,
		Logger:   log,
	}
	if interactive || opts.Send {
		client, err := dialDaemon(ctx, cfg, log)
		if err != nil {
			fmt.Fprintf(out, "  %s %v\n", colorize(yellow, "daemon unreachable:"), err)
		} else {
			sopts.Uploader = client
		}
	}

	ctrl, err := session.New(sopts)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if interactive {
		return recordInteractive(ctx, ctrl)
	}
	return recordTimed(ctx, ctrl, opts)
}

func newDevice(cfg config.CaptureConfig) capture.Device {
	if cfg.Device == "tone" {
		return capture.ToneDevice{Freq: cfg.ToneHz, Amplitude: 0.5}
	}
	return capture.CommandDevice{Args: cfg.Command}
}

func dialDaemon(ctx context.Context, cfg config.Config, log *zap.Logger) (*transport.Client, error) {
	wsURL, err := transport.WebSocketURL(cfg.Client.ServerURL, cfg.Server.WSPath)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return transport.Dial(dialCtx, wsURL, transport.Options{
		AckTimeout: cfg.Client.AckTimeout(),
		Logger:     log,
	})
}

func recordTimed(ctx context.Context, ctrl *session.Controller, opts RecordOptions) error {
	if err := ctrl.Start(ctx); err != nil {
		if msg := ctrl.Snapshot().Error; msg != "" {
			return errors.New(msg)
		}
		return err
	}

	deadline := time.NewTimer(opts.Duration)
	defer deadline.Stop()
	meter := time.NewTicker(meterRefresh)
	defer meter.Stop()

	fmt.Fprintln(out)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline.C:
			break loop
		case <-meter.C:
			renderMeter(ctrl.Snapshot())
		}
	}

	if err := ctrl.Stop(context.Background()); err != nil {
		return err
	}
	clip := ctrl.Clip()
	renderClip(clip)

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, clip.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", opts.Output, err)
		}
		fmt.Fprintf(out, "  %s %s\n", colorize(green, "SAVED"), opts.Output)
	}
	if opts.Play {
		if err := ctrl.Play(ctx); err != nil {
			return err
		}
	}
	if opts.Send {
		return sendClip(ctx, ctrl)
	}
	return nil
}

func sendClip(ctx context.Context, ctrl *session.Controller) error {
	fmt.Fprintf(out, "  %s\n", colorize(cyan, "sending..."))
	res := ctrl.Send(ctx)
	if res.OK() {
		fmt.Fprintf(out, "  %s audio received and saved\n", colorize(green, "SENT"))
		return nil
	}
	msg := ctrl.Snapshot().Error
	fmt.Fprintf(out, "  %s %s\n", colorize(red, "FAILED"), msg)
	return errors.New(msg)
}

func recordInteractive(ctx context.Context, ctrl *session.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	meter := time.NewTicker(meterRefresh)
	defer meter.Stop()

	printHelp()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil

		case <-meter.C:
			if snap := ctrl.Snapshot(); snap.State == session.Recording {
				renderMeter(snap)
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(line) {
			case "", "r":
				wasRecording := ctrl.Snapshot().State == session.Recording
				if err := ctrl.Toggle(ctx); err != nil {
					renderError(ctrl.Snapshot().Error, err)
					continue
				}
				if wasRecording {
					fmt.Fprintln(out)
					renderClip(ctrl.Clip())
				}
			case "p":
				if err := ctrl.Play(ctx); err != nil {
					renderError(ctrl.Snapshot().Error, err)
				}
			case "s":
				_ = sendClip(ctx, ctrl)
			case "q":
				return nil
			case "?", "h":
				printHelp()
			default:
				fmt.Fprintf(out, "  unknown command %q\n", line)
			}
			renderPrompt(ctrl.Snapshot())
		}
	}
}

func printHelp() {
	fmt.Fprintln(out)
	fmt.Fprintln(out, header("  VOXDROP RECORDER"))
	fmt.Fprintln(out, colorize(dim, "  "+strings.Repeat("─", 38)))
	fmt.Fprintln(out, "  enter  start / stop recording")
	fmt.Fprintln(out, "  p      play the last recording")
	fmt.Fprintln(out, "  s      send the last recording")
	fmt.Fprintln(out, "  q      quit")
	fmt.Fprintln(out)
}

func renderMeter(s session.Snapshot) {
	fmt.Fprintf(out, "\r  %s %s [%s]",
		colorize(stateColor("RECORDING"), "● REC"),
		session.FormatElapsed(s.Elapsed),
		levelMeter(s.Loudness, 30),
	)
}

func renderClip(clip *recorder.Clip) {
	if clip == nil {
		return
	}
	fmt.Fprintf(out, "\n  %s %s  %s  %d fragment(s)\n",
		colorize(stateColor("STOPPED"), "CLIP"),
		formatDuration(clip.Duration.Round(time.Second)),
		formatBytes(int64(len(clip.Data))),
		clip.Fragments,
	)
}

func renderPrompt(s session.Snapshot) {
	state := s.State.String()
	if s.Sending {
		state = "SENDING"
	}
	fmt.Fprintf(out, "  %s ", colorize(stateColor(state), "["+strings.ToLower(state)+"]"))
}

func renderError(msg string, err error) {
	if msg == "" {
		msg = err.Error()
	}
	fmt.Fprintf(out, "  %s %s\n", colorize(red, "ERROR"), msg)
}
