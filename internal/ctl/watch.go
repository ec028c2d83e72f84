package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/large-farva/voxdrop/internal/transport"
)

// WatchOptions controls the watch command behavior.
type WatchOptions struct {
	WSPath string
	Filter []string // event types to show (empty = all)
	JSON   bool     // output raw JSON per event
}

// Watch connects to the daemon's WebSocket endpoint and streams broadcast
// events to the terminal until ctx is cancelled or the daemon goes away.
func Watch(ctx context.Context, baseURL string, opts WatchOptions) error {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	wsURL, err := transport.WebSocketURL(baseURL, opts.WSPath)
	if err != nil {
		return err
	}

	client, err := transport.Dial(ctx, wsURL, transport.Options{})
	if err != nil {
		return err
	}
	defer client.Close()

	if !opts.JSON {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  %s %s\n", colorize(green, "connected"), colorize(dim, wsURL))
		if len(opts.Filter) > 0 {
			fmt.Fprintf(out, "  %s %s\n", colorize(dim, "filter:"), colorize(dim, strings.Join(opts.Filter, ", ")))
		}
		fmt.Fprintln(out, colorize(dim, "  "+strings.Repeat("─", 50)))
		fmt.Fprintln(out)
	}

	filterSet := make(map[string]bool, len(opts.Filter))
	for _, f := range opts.Filter {
		filterSet[f] = true
	}

	for {
		select {
		case <-ctx.Done():
			if !opts.JSON {
				fmt.Fprintln(out)
				fmt.Fprintln(out, colorize(dim, "  disconnecting..."))
			}
			return nil

		case msg, ok := <-client.Events():
			if !ok {
				if !opts.JSON {
					fmt.Fprintln(out, colorize(dim, "  connection closed by daemon"))
				}
				return nil
			}
			if len(filterSet) > 0 && !filterSet[eventType(msg)] {
				continue
			}
			if opts.JSON {
				fmt.Fprintln(out, string(msg))
			} else {
				renderEvent(msg)
			}
		}
	}
}

func eventType(raw []byte) string {
	var ev struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &ev)
	return ev.Type
}

// renderEvent parses a JSON event and prints it in a human-friendly format.
// Falls back to raw JSON for unrecognized event types.
func renderEvent(raw []byte) {
	var ev map[string]any
	if err := json.Unmarshal(raw, &ev); err != nil {
		fmt.Fprintf(out, "  %s\n", string(raw))
		return
	}

	evType, _ := ev["type"].(string)
	ts := formatEventTime(ev)

	switch evType {
	case "heartbeat":
		// heartbeats are noisy, keep them dim and on one line
		uptime, _ := ev["uptime_seconds"].(float64)
		clients, _ := ev["clients"].(float64)
		fmt.Fprintf(out, "  %s %s  up %s  %s\n",
			colorize(dim, ts),
			colorize(dim, "heartbeat"),
			colorize(dim, formatDuration(time.Duration(uptime)*time.Second)),
			colorize(dim, fmt.Sprintf("%d client(s)", int(clients))),
		)

	case "upload_stored":
		name, _ := ev["filename"].(string)
		size, _ := ev["size"].(float64)
		fileType, _ := ev["file_type"].(string)
		fmt.Fprintf(out, "  %s %s  %s  %s %s\n",
			colorize(dim, ts),
			colorize(green, "STORED"),
			colorize(bold, name),
			formatBytes(int64(size)),
			colorize(dim, fileType),
		)

	case "upload_failed":
		name, _ := ev["filename"].(string)
		msg, _ := ev["error"].(string)
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(out, "  %s %s  %s  %s\n",
			colorize(dim, ts),
			colorize(red, "FAILED"),
			colorize(bold, name),
			msg,
		)

	case "log":
		level, _ := ev["level"].(string)
		message, _ := ev["message"].(string)
		component, _ := ev["component"].(string)
		src := ""
		if component != "" {
			src = colorize(dim, "["+component+"] ")
		}
		fmt.Fprintf(out, "  %s %s  %s%s\n", colorize(dim, ts), formatLogLevel(level), src, message)

	default:
		// unknown type, dump it so nothing is lost
		pretty, err := json.MarshalIndent(ev, "  ", "  ")
		if err != nil {
			fmt.Fprintf(out, "  %s\n", string(raw))
			return
		}
		fmt.Fprintf(out, "  %s\n", string(pretty))
	}
}

// formatEventTime extracts and shortens the timestamp from an event.
func formatEventTime(ev map[string]any) string {
	tsRaw, ok := ev["ts"].(string)
	if !ok {
		return "        "
	}
	t, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		if len(tsRaw) > 10 {
			return tsRaw[:10]
		}
		return tsRaw
	}
	return t.Local().Format("15:04:05")
}

// formatLogLevel returns a colored, fixed-width log level label.
func formatLogLevel(level string) string {
	switch level {
	case "info":
		return colorize(green, "INFO ")
	case "warn":
		return colorize(yellow, "WARN ")
	case "error":
		return colorize(red, "ERROR")
	default:
		return padRight(level, 5)
	}
}
