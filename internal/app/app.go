// Package app wires together the HTTP router, the WebSocket hub, and the
// upload handler. It owns the daemon's lifecycle: the hub loop, the heartbeat
// ticker, and the HTTP server run in one errgroup and stop together.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/large-farva/voxdrop/internal/config"
	"github.com/large-farva/voxdrop/internal/metrics"
	"github.com/large-farva/voxdrop/internal/protocol"
	"github.com/large-farva/voxdrop/internal/telemetry"
	"github.com/large-farva/voxdrop/internal/upload"
	"github.com/large-farva/voxdrop/internal/ws"
)

const component = "voxdropd"

// Options holds everything the App needs from the caller.
type Options struct {
	Logger *zap.Logger
	Cfg    config.Config
	Bind   string // overrides Cfg.Server.Bind when set
}

// App is the top-level daemon process.
type App struct {
	log     *zap.Logger
	cfg     config.Config
	bind    string
	metrics *metrics.Metrics
	hub     *ws.Hub
	uploads *upload.Handler

	startedAt time.Time
}

// New builds the daemon's components. Nothing listens until Run.
func New(opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := opts.Cfg
	bind := opts.Bind
	if bind == "" {
		bind = cfg.Server.Bind
	}

	m := metrics.New()
	a := &App{
		log:       opts.Logger,
		cfg:       cfg,
		bind:      bind,
		metrics:   m,
		startedAt: time.Now(),
	}
	a.hub = ws.NewHub(ws.Options{
		AllowedOrigin:   cfg.CORS.Origin,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		Logger:          opts.Logger,
		Metrics:         m,
		OnConnect: func(remote string) {
			a.emitLog("info", "client connected from "+remote)
		},
		OnDisconnect: func(remote string) {
			a.emitLog("info", "client disconnected from "+remote)
		},
	})

	uploads, err := upload.NewHandler(upload.Options{
		Dir:       cfg.Storage.Dir,
		LegacyAck: cfg.Upload.LegacyAck,
		Logger:    opts.Logger,
		Metrics:   m,
		OnStored:  a.uploadStored,
		OnFailed:  a.uploadFailed,
	})
	if err != nil {
		return nil, err
	}
	a.uploads = uploads
	a.hub.Handle(protocol.EventSendAudio, uploads.Handle)
	return a, nil
}

// Run serves until ctx is cancelled or a component fails. A clean shutdown
// returns nil.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.bind)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.heartbeatLoop(ctx)
		return nil
	})
	g.Go(func() error {
		a.log.Info("listening",
			zap.String("addr", "http://"+ln.Addr().String()),
			zap.String("storage_dir", a.uploads.Dir()),
			zap.String("ws_path", a.cfg.Server.WSPath),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// heartbeatLoop sends a periodic heartbeat event so clients can detect
// connectivity and track uptime without polling.
func (a *App) heartbeatLoop(ctx context.Context) {
	every := a.cfg.Server.Heartbeat()
	if every <= 0 {
		every = 10 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.hub.BroadcastJSON(telemetry.Heartbeat{
				Event:         telemetry.NewEvent(telemetry.EventHeartbeat, component),
				UptimeSeconds: a.uptimeSeconds(),
				Clients:       a.hub.Clients(),
			})
		}
	}
}

func (a *App) uploadStored(f upload.StoredFile, req protocol.UploadRequest) {
	a.hub.BroadcastJSON(telemetry.UploadStored{
		Event:    telemetry.NewEvent(telemetry.EventUploadStored, "upload"),
		Filename: f.Name,
		Size:     f.Size,
		FileType: req.FileType,
	})
}

func (a *App) uploadFailed(filename string, err error) {
	a.hub.BroadcastJSON(telemetry.UploadFailed{
		Event:    telemetry.NewEvent(telemetry.EventUploadFailed, "upload"),
		Filename: filename,
		Error:    err.Error(),
	})
}

// emitLog pushes a human-readable log line to every connected client.
func (a *App) emitLog(level, message string) {
	a.hub.BroadcastJSON(telemetry.LogLine{
		Event:   telemetry.NewEvent(telemetry.EventLog, component),
		Level:   level,
		Message: message,
	})
}

func (a *App) uptimeSeconds() int64 {
	return int64(time.Since(a.startedAt).Seconds())
}
