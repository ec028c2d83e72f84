package ctl

import (
	"fmt"
	"strings"
	"time"
)

// UploadsResponse mirrors the JSON returned by GET /api/uploads.
type UploadsResponse struct {
	Uploads []struct {
		Filename string    `json:"filename"`
		Size     int64     `json:"size"`
		Modified time.Time `json:"modified"`
	} `json:"uploads"`
}

// Uploads lists the files stored on the daemon, newest first.
func Uploads(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var resp UploadsResponse
	if err := getJSON(baseURL, "/api/uploads", &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, header("  UPLOADS"))

	if len(resp.Uploads) == 0 {
		fmt.Fprintln(out, colorize(dim, "  ────────────────────────"))
		fmt.Fprintln(out, "  No uploads stored.")
	} else {
		t := newTable("  ", "Modified", "Size", "Filename", "URL")
		for _, u := range resp.Uploads {
			t.row(
				u.Modified.Local().Format("2006-01-02 15:04:05"),
				formatBytes(u.Size),
				u.Filename,
				baseURL+"/uploads/"+u.Filename,
			)
		}
		t.flush()
	}
	fmt.Fprintln(out)
	return nil
}
