// Package upload persists audio uploads into a flat storage directory.
// Files are keyed by the client-supplied name; a repeated name overwrites
// the earlier file, and concurrent writers of one name race last-write-wins.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/large-farva/voxdrop/internal/metrics"
	"github.com/large-farva/voxdrop/internal/protocol"
)

var (
	// ErrInvalidRequest is returned for payloads without a usable filename.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrIOFailure wraps any filesystem error while storing.
	ErrIOFailure = errors.New("io failure")
)

// StoredFile describes one file in the storage directory.
type StoredFile struct {
	Name     string    `json:"filename"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Options configures a Handler.
type Options struct {
	Dir       string
	LegacyAck bool // reply with the bare success string
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	// OnStored and OnFailed observe outcomes, e.g. to broadcast them.
	OnStored func(StoredFile, protocol.UploadRequest)
	OnFailed func(filename string, err error)
}

// Handler receives upload payloads and writes them to Dir.
type Handler struct {
	dir       string
	legacyAck bool
	log       *zap.Logger
	m         *metrics.Metrics
	onStored  func(StoredFile, protocol.UploadRequest)
	onFailed  func(string, error)
}

// NewHandler returns a handler for opts.Dir. The directory is created lazily
// on the first upload.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Dir == "" {
		return nil, errors.New("upload: storage dir must not be empty")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		dir:       opts.Dir,
		legacyAck: opts.LegacyAck,
		log:       opts.Logger.With(zap.String("component", "upload")),
		m:         opts.Metrics,
		onStored:  opts.OnStored,
		onFailed:  opts.OnFailed,
	}, nil
}

// Dir returns the storage directory.
func (h *Handler) Dir() string {
	return h.dir
}

// Handle decodes a send-audio payload, stores it, and returns the
// acknowledgment to send back. It never returns an error; every failure is
// folded into a failure acknowledgment.
func (h *Handler) Handle(_ context.Context, data json.RawMessage) any {
	h.m.RecordReceived()

	var req protocol.UploadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		h.fail("", err, "invalid")
		return protocol.FailureAck(err.Error())
	}

	stored, err := h.Store(req)
	if err != nil {
		reason := "io"
		if errors.Is(err, ErrInvalidRequest) {
			reason = "invalid"
		}
		h.fail(req.Filename, err, reason)
		return protocol.FailureAck(err.Error())
	}

	if h.onStored != nil {
		h.onStored(stored, req)
	}
	if h.legacyAck {
		return protocol.LegacySuccessMessage
	}
	return protocol.SuccessAck()
}

func (h *Handler) fail(filename string, err error, reason string) {
	h.log.Error("upload not stored", zap.String("filename", filename), zap.Error(err))
	h.m.RecordFailure(reason)
	if h.onFailed != nil {
		h.onFailed(filename, err)
	}
}

// Store validates req and writes its audio to <dir>/<filename>, replacing
// any existing file of that name.
func (h *Handler) Store(req protocol.UploadRequest) (StoredFile, error) {
	if err := validateFilename(req.Filename); err != nil {
		return StoredFile{}, err
	}

	start := time.Now()
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return StoredFile{}, fmt.Errorf("%w: create storage dir: %v", ErrIOFailure, err)
	}

	path := filepath.Join(h.dir, req.Filename)
	if err := writeFileAtomic(path, req.Audio); err != nil {
		return StoredFile{}, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return StoredFile{}, fmt.Errorf("%w: stat stored file: %v", ErrIOFailure, err)
	}

	h.m.RecordStored(len(req.Audio), time.Since(start))
	h.log.Info("upload stored",
		zap.String("filename", req.Filename),
		zap.String("path", path),
		zap.Int("bytes", len(req.Audio)),
		zap.String("file_type", req.FileType),
	)
	return StoredFile{Name: req.Filename, Size: info.Size(), Modified: info.ModTime()}, nil
}

func validateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	case name == "." || name == "..",
		strings.ContainsAny(name, `/\`),
		strings.ContainsRune(name, 0),
		strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: filename %q is not a plain file name", ErrInvalidRequest, name)
	}
	return nil
}

// writeFileAtomic writes data to a temp file beside path and renames it into
// place, so readers never see a half-written upload.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("chmod: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// List returns the stored files, newest first. A missing directory is an
// empty list.
func (h *Handler) List() ([]StoredFile, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read storage dir: %v", ErrIOFailure, err)
	}

	files := make([]StoredFile, 0, len(entries))
	for _, e := range entries {
		// skip directories and in-flight temp files
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, StoredFile{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Modified.Equal(files[j].Modified) {
			return files[i].Name < files[j].Name
		}
		return files[i].Modified.After(files[j].Modified)
	})
	return files, nil
}
