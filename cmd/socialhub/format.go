package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zulandar/socialhub/internal/models"
	"golang.org/x/term"
)

const (
	// defaultCaptionWidth is used when the output is not a terminal.
	defaultCaptionWidth = 40
	minCaptionWidth     = 20
	// fixedColumnsWidth approximates ID, STATUS, WHEN and PLATFORMS plus padding.
	fixedColumnsWidth = 80
)

// captionWidth sizes the caption column to the terminal when out is one.
func captionWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultCaptionWidth
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return defaultCaptionWidth
	}
	return max(w-fixedColumnsWidth, minCaptionWidth)
}

// truncate flattens whitespace and cuts s to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// shortID is the 8-character prefix accepted by cancel and run.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// formatWhen renders t with a relative hint, e.g. "2030-01-02 10:00 (3 hours from now)".
func formatWhen(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04"), humanize.RelTime(t, now, "ago", "from now"))
}

// formatPlatforms lists a post's target platforms, marking failed ones with "!".
func formatPlatforms(p models.ScheduledPost) string {
	enabled := p.Platforms.Enabled()
	names := make([]string, len(enabled))
	for i, pl := range enabled {
		names[i] = string(pl)
		if p.FailedOn.Contains(pl) {
			names[i] += "!"
		}
	}
	return strings.Join(names, ",")
}

// formatResult is one line per platform of a publish outcome.
func formatResult(w io.Writer, res runResult) {
	fmt.Fprintf(w, "Status: %s\n", res.Status)
	for _, p := range models.AllPlatforms {
		r, ok := res.Results[p]
		if !ok {
			continue
		}
		switch {
		case r.Success && r.URL != "":
			fmt.Fprintf(w, "  %-10s ok      %s\n", p.Title(), r.URL)
		case r.Success:
			fmt.Fprintf(w, "  %-10s ok      %s\n", p.Title(), r.PostID)
		default:
			fmt.Fprintf(w, "  %-10s failed  %s\n", p.Title(), r.Error)
		}
	}
}
