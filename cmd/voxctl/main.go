// Voxctl is the VoxDrop command-line client. It records audio from a capture
// device, previews it, and sends it to a running voxdropd over the upload
// WebSocket. It also queries the daemon's HTTP API and streams its events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/large-farva/voxdrop/internal/config"
	"github.com/large-farva/voxdrop/internal/ctl"
	"github.com/large-farva/voxdrop/internal/logging"
)

func main() {
	var (
		host       = pflag.StringP("host", "H", "", "VoxDrop daemon URL (overrides client.server_url)")
		jsonOut    = pflag.Bool("json", false, "Output raw JSON instead of formatted text")
		filter     = pflag.StringSlice("filter", nil, "Event types to show in watch (e.g. --filter upload_stored,log)")
		configPath = pflag.StringP("config", "c", "", "Path to config TOML (defaults only when empty)")
		verbose    = pflag.BoolP("verbose", "v", false, "Log client internals to stderr")
	)

	// Stop parsing global flags at the first non-flag argument (the command
	// name), so subcommand-specific flags like --duration are not rejected.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxctl: config load failed: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Client.ServerURL = *host
	}
	if !*verbose {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.File = ""
	cfg.Logging.Output = "stderr"

	logger, err := logging.New("voxctl", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxctl: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := cfg.Client.ServerURL
	cmd := pflag.Arg(0)
	subArgs := pflag.Args()[1:]

	switch cmd {
	// ── Recording ─────────────────────────────────────────────────
	case "record":
		var opts ctl.RecordOptions
		recFlags := pflag.NewFlagSet("record", pflag.ContinueOnError)
		recFlags.DurationVar(&opts.Duration, "duration", 0, "Record for this long, then stop (e.g. 5s)")
		recFlags.BoolVar(&opts.Send, "send", false, "Send the recording when it stops")
		recFlags.BoolVar(&opts.Play, "play", false, "Play the recording when it stops")
		recFlags.StringVar(&opts.Output, "out", "", "Also save the recording to this path")
		device := recFlags.String("device", "", "Capture device: command or tone (overrides capture.device)")
		_ = recFlags.Parse(subArgs)
		if *device != "" {
			cfg.Capture.Device = *device
		}
		err = ctl.Record(ctx, cfg, logger, opts)

	case "send":
		opts := ctl.SendOptions{JSON: *jsonOut}
		sendFlags := pflag.NewFlagSet("send", pflag.ContinueOnError)
		sendFlags.StringVar(&opts.Filename, "as", "", "Name to store the file under (default: its base name)")
		sendFlags.StringVar(&opts.FileType, "type", "", "MIME type to send (overrides client.file_type)")
		_ = sendFlags.Parse(subArgs)
		if sendFlags.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "voxctl send: missing file argument")
			os.Exit(2)
		}
		err = ctl.Send(ctx, cfg, logger, sendFlags.Arg(0), opts)

	// ── Query commands ────────────────────────────────────────────
	case "status":
		err = ctl.Status(base, *jsonOut)

	case "health":
		err = ctl.Health(base, *jsonOut)

	case "uploads":
		err = ctl.Uploads(base, *jsonOut)

	case "version":
		err = ctl.VersionInfo(base, *jsonOut)

	// ── Live streaming ────────────────────────────────────────────
	case "watch":
		err = ctl.Watch(ctx, base, ctl.WatchOptions{
			WSPath: cfg.Server.WSPath,
			Filter: *filter,
			JSON:   *jsonOut,
		})

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Debug("command failed", zap.String("command", cmd), zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`
  voxctl - VoxDrop recorder and control CLI

  USAGE
    voxctl [flags] <command> [command-flags]

  COMMANDS (recording)
    record          Record audio; interactive unless --duration is given
    send FILE       Upload an existing audio file to the daemon

  COMMANDS (query)
    status          Show daemon uptime, clients, and storage usage
    health          Check daemon and storage health
    uploads         List stored uploads, newest first
    version         Show CLI and daemon version information

  COMMANDS (live)
    watch           Stream live events from the daemon (Ctrl-C to stop)

  GLOBAL FLAGS
    -H, --host URL      Daemon base URL (default: client.server_url)
    -c, --config PATH   Config TOML shared with voxdropd
        --json          Output raw JSON instead of formatted text
        --filter TYPE   Event types to show in watch (comma-separated)
    -v, --verbose       Log client internals to stderr

  COMMAND FLAGS
    record:
        --duration D        Record for D (e.g. 5s), then stop
        --play              Play the clip after recording
        --send              Send the clip after recording
        --out PATH          Also save the clip to PATH
        --device NAME       command (default) or tone

    send:
        --as NAME           Stored file name (default: base name of FILE)
        --type MIME         MIME type (default: client.file_type)

  INTERACTIVE RECORD KEYS
    enter   start / stop      p   play      s   send      q   quit

  EXAMPLES
    voxctl record
    voxctl record --duration 5s --play --send
    voxctl record --device tone --duration 2s --out test.wav
    voxctl send memo.wav --as standup.wav
    voxctl --host http://192.168.1.20:3000 uploads
    voxctl --json status
    voxctl watch --filter upload_stored,upload_failed

`)
}
