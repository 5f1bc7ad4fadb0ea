// Package models defines the data types shared across SocialHub: scheduled
// posts, their lifecycle status and per-platform publish outcomes.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle marker of a ScheduledPost.
type Status string

const (
	// StatusScheduled means the post is waiting for its fire time.
	StatusScheduled Status = "scheduled"
	// StatusPublishing means dispatch started and has not recorded an outcome yet.
	StatusPublishing Status = "publishing"
	// StatusPosted means every enabled platform succeeded.
	StatusPosted Status = "posted"
	// StatusPartiallyPosted means at least one platform succeeded and at least one failed.
	StatusPartiallyPosted Status = "partially_posted"
	// StatusFailed means no platform succeeded.
	StatusFailed Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusScheduled || s == StatusPublishing || s.Terminal()
}

// Terminal reports whether the status marks a finished dispatch.
func (s Status) Terminal() bool {
	switch s {
	case StatusPosted, StatusPartiallyPosted, StatusFailed:
		return true
	}
	return false
}

// ScheduledPost is one unit of future publish work bound to a fire time and
// a set of target platforms.
type ScheduledPost struct {
	ID            string                      `json:"id"`
	Caption       string                      `json:"caption"`
	ImagePath     string                      `json:"image_path,omitempty"`
	Platforms     PlatformSet                 `json:"platforms"`
	ScheduledTime Timestamp                   `json:"scheduled_time"`
	CreatedAt     Timestamp                   `json:"created_at"`
	Status        Status                      `json:"status"`
	PostedTo      PlatformList                `json:"posted_to,omitempty"`
	PostedCount   int                         `json:"posted_count,omitempty"`
	FailedOn      PlatformList                `json:"failed_on,omitempty"`
	Results       map[Platform]PlatformResult `json:"results,omitempty"`
	AttemptedAt   *Timestamp                  `json:"attempted_at,omitempty"`
	Source        string                      `json:"source"`
	Origin        *Origin                     `json:"origin,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler. A numeric posted_to from older
// files is kept as PostedCount.
func (p *ScheduledPost) UnmarshalJSON(data []byte) error {
	type plain ScheduledPost
	aux := struct {
		*plain
		PostedTo json.RawMessage `json:"posted_to"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	raw := bytes.TrimSpace(aux.PostedTo)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '[' || string(raw) == "null" {
		p.PostedCount = 0
		return p.PostedTo.UnmarshalJSON(raw)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("models: posted_to: %w", err)
	}
	p.PostedTo = nil
	p.PostedCount = int(n)
	return nil
}

// Due reports whether the post's fire time is at or before now.
func (p ScheduledPost) Due(now time.Time) bool {
	return !p.ScheduledTime.After(now)
}

// ApplyOutcome attaches the result of a dispatch to the post and flips its status.
func (p *ScheduledPost) ApplyOutcome(o Outcome) {
	p.Status = o.Status()
	p.PostedTo = o.Succeeded()
	p.PostedCount = 0
	p.FailedOn = o.Failed()
	p.Results = o.Results
	finished := NewTimestamp(o.FinishedAt)
	if o.FinishedAt.IsZero() {
		finished = NewTimestamp(time.Now())
	}
	p.AttemptedAt = &finished
}

// Origin records the chat location a post was composed in, so outcomes can
// be reported back to the same thread.
type Origin struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
}

// Receipt identifies a post created on an external platform.
type Receipt struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// PlatformResult is the outcome of publishing to a single platform.
type PlatformResult struct {
	Success bool   `json:"success"`
	PostID  string `json:"post_id,omitempty"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Outcome collects per-platform results of one orchestration run.
type Outcome struct {
	JobID      string                      `json:"job_id,omitempty"`
	Results    map[Platform]PlatformResult `json:"results"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
}

// Succeeded returns the platforms that published successfully, in publish order.
func (o Outcome) Succeeded() PlatformList {
	return o.filter(true)
}

// Failed returns the platforms that failed, in publish order.
func (o Outcome) Failed() PlatformList {
	return o.filter(false)
}

func (o Outcome) filter(success bool) PlatformList {
	set := make(PlatformSet, len(o.Results))
	for p, r := range o.Results {
		if r.Success == success {
			set[p] = true
		}
	}
	return PlatformList(set.Enabled())
}

// Status derives the post status from the per-platform results.
func (o Outcome) Status() Status {
	ok, failed := len(o.Succeeded()), len(o.Failed())
	switch {
	case ok > 0 && failed == 0:
		return StatusPosted
	case ok > 0:
		return StatusPartiallyPosted
	default:
		return StatusFailed
	}
}

// PlatformList is the list of platforms a post reached. A bare count decodes
// as an empty list; ScheduledPost keeps the count separately.
type PlatformList []Platform

// UnmarshalJSON implements json.Unmarshaler.
func (l *PlatformList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*l = nil
		return nil
	}
	if data[0] != '[' {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("models: platform list: %w", err)
		}
		*l = nil
		return nil
	}
	var ps []Platform
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("models: platform list: %w", err)
	}
	*l = ps
	return nil
}

// Contains reports whether p is in the list.
func (l PlatformList) Contains(p Platform) bool {
	return slices.Contains(l, p)
}
