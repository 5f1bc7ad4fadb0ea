package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zulandar/socialhub/internal/dispatch"
	"github.com/zulandar/socialhub/internal/models"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// statusSeverity returns the severity used to report a post status.
func statusSeverity(s models.Status) string {
	switch s {
	case models.StatusPosted:
		return "success"
	case models.StatusPartiallyPosted:
		return "warning"
	case models.StatusFailed:
		return "error"
	default:
		return "info"
	}
}

// statusTitle returns the headline for a finished dispatch.
func statusTitle(s models.Status) string {
	switch s {
	case models.StatusPosted:
		return "Post published"
	case models.StatusPartiallyPosted:
		return "Post partially published"
	case models.StatusFailed:
		return "Post failed"
	default:
		return "Post " + string(s)
	}
}

// FormatOutcome formats the result of a publish attempt.
func FormatOutcome(post models.ScheduledPost, outcome models.Outcome) FormattedEvent {
	status := outcome.Status()
	severity := statusSeverity(status)

	var fields []Field
	if post.ID != "" {
		fields = append(fields, Field{Name: "Post", Value: shortID(post.ID), Short: true})
	}
	for _, p := range models.AllPlatforms {
		r, ok := outcome.Results[p]
		if !ok {
			continue
		}
		value := "failed: " + r.Error
		if r.Success {
			value = "posted"
			if r.URL != "" {
				value = r.URL
			}
		}
		fields = append(fields, Field{Name: p.Title(), Value: value, Short: true})
	}

	return FormattedEvent{
		Title:    statusTitle(status),
		Body:     truncate(post.Caption, 200),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// formatPostTable renders posts as a fixed-width listing.
func formatPostTable(posts []models.ScheduledPost) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("**Posts** (%d)\n", len(posts)))
	b.WriteString(fmt.Sprintf("%-9s %-17s %-18s %-24s %s\n",
		"ID", "STATUS", "WHEN", "PLATFORMS", "CAPTION"))
	for _, p := range posts {
		b.WriteString(fmt.Sprintf("%-9s %-17s %-18s %-24s %s\n",
			shortID(p.ID), p.Status, humanize.Time(p.ScheduledTime.Time),
			models.JoinPlatforms(p.Platforms.Enabled()), truncate(oneLine(p.Caption), 40)))
	}
	return b.String()
}

// formatStatus renders the store summary and the next pending triggers.
func formatStatus(summary map[models.Status]int, pending []dispatch.Pending) string {
	var b strings.Builder
	b.WriteString("**SocialHub status**\n")
	for _, s := range []models.Status{
		models.StatusScheduled, models.StatusPublishing, models.StatusPosted,
		models.StatusPartiallyPosted, models.StatusFailed,
	} {
		b.WriteString(fmt.Sprintf("%-17s %d\n", s, summary[s]))
	}
	if len(pending) == 0 {
		b.WriteString("No pending triggers.")
		return b.String()
	}
	next := pending[0]
	b.WriteString(fmt.Sprintf("Pending triggers: %d, next %s (%s)",
		len(pending), shortID(next.ID), humanize.Time(next.At)))
	return b.String()
}

// formatDraft renders a compose session for review.
func formatDraft(s *Session) FormattedEvent {
	var fields []Field
	for _, p := range s.platforms() {
		name := p.Title()
		if s.Approved[p] {
			name += " (approved)"
		}
		fields = append(fields, Field{Name: name, Value: s.Captions[p]})
	}
	title := "Draft"
	if s.Topic != "" {
		title = "Draft: " + truncate(s.Topic, 60)
	}
	var body []string
	if s.ImageError != "" {
		body = append(body, "Image generation failed: "+s.ImageError)
	}
	body = append(body, fmt.Sprintf("Reply with `%s approve <platforms|all>`, `%s refine <platform> <instructions>`, "+
		"then `%s publish` or `%s schedule <YYYY-MM-DD HH:MM | in 3h>`. `%s cancel` discards the draft.",
		commandPrefix, commandPrefix, commandPrefix, commandPrefix, commandPrefix))
	return FormattedEvent{
		Title:    title,
		Body:     strings.Join(body, "\n"),
		Severity: "info",
		Color:    ColorInfo,
		Fields:   fields,
	}
}

// formatDigest summarises attempted posts over a window.
func formatDigest(posts []models.ScheduledPost, since time.Time) (FormattedEvent, bool) {
	if len(posts) == 0 {
		return FormattedEvent{}, false
	}
	counts := make(map[models.Status]int)
	perPlatform := make(map[models.Platform]int)
	for _, p := range posts {
		counts[p.Status]++
		for _, pl := range p.PostedTo {
			perPlatform[pl]++
		}
	}
	fields := []Field{
		{Name: "Posted", Value: fmt.Sprint(counts[models.StatusPosted]), Short: true},
		{Name: "Partial", Value: fmt.Sprint(counts[models.StatusPartiallyPosted]), Short: true},
		{Name: "Failed", Value: fmt.Sprint(counts[models.StatusFailed]), Short: true},
	}
	for _, pl := range models.AllPlatforms {
		if n := perPlatform[pl]; n > 0 {
			fields = append(fields, Field{Name: pl.Title(), Value: fmt.Sprint(n), Short: true})
		}
	}
	severity := "info"
	if counts[models.StatusFailed] > 0 {
		severity = "warning"
	}
	return FormattedEvent{
		Title:    "Publishing digest",
		Body:     fmt.Sprintf("%d posts attempted since %s", len(posts), humanize.Time(since)),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}, true
}

// shortID returns the display prefix of a post ID.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// truncate returns s cut to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
