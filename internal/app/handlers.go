package app

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
)

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// If the client asks for JSON, return component-level health checks.
	if r.Header.Get("Accept") == "application/json" {
		a.handleHealthDetailed(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (a *App) handleHealthDetailed(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]any{}
	allOK := true

	dir := a.uploads.Dir()
	if err := checkWritable(dir); err != nil {
		checks["storage_dir"] = map[string]any{"ok": false, "path": dir, "error": err.Error()}
		allOK = false
	} else {
		checks["storage_dir"] = map[string]any{"ok": true, "path": dir}
	}

	checks["websocket"] = map[string]any{"ok": true, "clients": a.hub.Clients()}

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": allOK,
		"checks":  checks,
	})
}

// checkWritable creates dir if needed and round-trips a dotfile through it.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, ".healthcheck")
	if err := os.WriteFile(path, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(path)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"name":           "voxdrop",
		"uptime_seconds": a.uptimeSeconds(),
		"clients":        a.hub.Clients(),
		"storage_dir":    a.uploads.Dir(),
		"ws_path":        a.cfg.Server.WSPath,
		"legacy_ack":     a.cfg.Upload.LegacyAck,
	}

	if files, err := a.uploads.List(); err == nil {
		var total int64
		for _, f := range files {
			total += f.Size
		}
		resp["uploads"] = len(files)
		resp["stored_bytes"] = total
	}

	if du := diskUsage(a.uploads.Dir()); du != nil {
		resp["disk"] = du
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleUploads(w http.ResponseWriter, _ *http.Request) {
	files, err := a.uploads.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": files})
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	goVersion := GoVersion
	if goVersion == "unknown" {
		goVersion = runtime.Version()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"go_version": goVersion,
		"built_at":   BuiltAt,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]any{
		"ok":    false,
		"error": msg,
	})
}
