package ctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/large-farva/voxdrop/internal/config"
	"github.com/large-farva/voxdrop/internal/protocol"
	"github.com/large-farva/voxdrop/internal/session"
	"github.com/large-farva/voxdrop/internal/transport"
)

// SendOptions controls the send command.
type SendOptions struct {
	Filename string // stored name; defaults to the file's base name
	FileType string // defaults to client.file_type
	JSON     bool
}

// Send uploads an existing audio file over the daemon's WebSocket.
func Send(ctx context.Context, cfg config.Config, log *zap.Logger, path string, opts SendOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if opts.Filename == "" {
		opts.Filename = filepath.Base(path)
	}
	if opts.FileType == "" {
		opts.FileType = cfg.Client.FileType
	}
	if log == nil {
		log = zap.NewNop()
	}

	client, err := dialDaemon(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("%s (%w)", session.MsgConnectionError, err)
	}
	defer client.Close()

	res, err := client.Upload(ctx, protocol.UploadRequest{
		Audio:    data,
		Filename: opts.Filename,
		FileType: opts.FileType,
	})
	if err != nil {
		if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, transport.ErrNotConnected) {
			res = protocol.Failure(session.ReasonConnectionError)
		} else {
			res = protocol.Failure(err.Error())
		}
	}

	if opts.JSON {
		v := map[string]any{"success": res.OK(), "filename": opts.Filename, "bytes": len(data)}
		if !res.OK() {
			v["error"] = res.Reason()
		}
		if err := printJSON(v); err != nil {
			return err
		}
	} else if res.OK() {
		fmt.Fprintf(out, "\n  %s %s  %s\n\n", colorize(green, "SENT"), colorize(bold, opts.Filename), formatBytes(int64(len(data))))
	}

	if !res.OK() {
		return errors.New(session.FailureMessage(res.Reason()))
	}
	return nil
}
