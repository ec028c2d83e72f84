package ctl

import (
	"fmt"
	"strings"
	"time"
)

// StatusResponse mirrors the JSON returned by GET /api/status.
type StatusResponse struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Clients       int    `json:"clients"`
	StorageDir    string `json:"storage_dir"`
	WSPath        string `json:"ws_path"`
	LegacyAck     bool   `json:"legacy_ack"`
	Uploads       int    `json:"uploads"`
	StoredBytes   int64  `json:"stored_bytes"`
	Disk          *struct {
		TotalBytes     int64 `json:"total_bytes"`
		UsedBytes      int64 `json:"used_bytes"`
		AvailableBytes int64 `json:"available_bytes"`
	} `json:"disk,omitempty"`
}

// Status fetches the daemon status and prints a formatted summary.
func Status(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var s StatusResponse
	if err := getJSON(baseURL, "/api/status", &s); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}

	ackMode := "structured"
	if s.LegacyAck {
		ackMode = "legacy string"
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, header("  VOXDROP STATUS"))
	fmt.Fprintln(out, colorize(dim, "  "+strings.Repeat("─", 38)))
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Daemon:"), s.Name)
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Uptime:"), formatDuration(time.Duration(s.UptimeSeconds)*time.Second))
	fmt.Fprintf(out, "  %-12s %d\n", colorize(dim, "Clients:"), s.Clients)
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Storage:"), s.StorageDir)
	fmt.Fprintf(out, "  %-12s %d (%s)\n", colorize(dim, "Uploads:"), s.Uploads, formatBytes(s.StoredBytes))
	if s.Disk != nil {
		fmt.Fprintf(out, "  %-12s %s free of %s\n", colorize(dim, "Disk:"),
			formatBytes(s.Disk.AvailableBytes), formatBytes(s.Disk.TotalBytes))
	}
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Acks:"), ackMode)
	fmt.Fprintf(out, "  %-12s %s%s\n", colorize(dim, "Host:"), baseURL, s.WSPath)
	fmt.Fprintln(out)

	return nil
}
