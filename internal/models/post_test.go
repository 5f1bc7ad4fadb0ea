package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in   string
		want Platform
	}{
		{"facebook", Facebook},
		{"FB", Facebook},
		{" instagram ", Instagram},
		{"ig", Instagram},
		{"X", Twitter},
		{"twitter", Twitter},
		{"Reddit", Reddit},
	}
	for _, tt := range tests {
		got, err := ParsePlatform(tt.in)
		if err != nil {
			t.Errorf("ParsePlatform(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePlatform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ParsePlatform("myspace"); err == nil {
		t.Error("expected error for unknown platform")
	}
}

func TestParsePlatformList(t *testing.T) {
	got, err := ParsePlatformList("reddit, fb,reddit")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != Reddit || got[1] != Facebook {
		t.Errorf("got %v, want [reddit facebook]", got)
	}

	all, err := ParsePlatformList("all")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != len(AllPlatforms) {
		t.Errorf("all = %v, want %v", all, AllPlatforms)
	}

	if _, err := ParsePlatformList("twitter,nope"); err == nil {
		t.Error("expected error for unknown entry")
	}
}

func TestPlatformSet_EnabledOrder(t *testing.T) {
	set := PlatformSet{Reddit: true, Facebook: true, Twitter: false, "mastodon": true}
	got := set.Enabled()
	want := []Platform{Facebook, Reddit, "mastodon"}
	if len(got) != len(want) {
		t.Fatalf("Enabled() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Enabled()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOutcome_Status(t *testing.T) {
	tests := []struct {
		name    string
		results map[Platform]PlatformResult
		want    Status
	}{
		{"all ok", map[Platform]PlatformResult{Twitter: {Success: true}}, StatusPosted},
		{"mixed", map[Platform]PlatformResult{Facebook: {Error: "boom"}, Instagram: {Success: true}}, StatusPartiallyPosted},
		{"all failed", map[Platform]PlatformResult{Reddit: {Error: "x"}}, StatusFailed},
		{"nothing attempted", nil, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Outcome{Results: tt.results}
			if got := o.Status(); got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyOutcome(t *testing.T) {
	p := ScheduledPost{ID: "a", Status: StatusPublishing}
	finished := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	p.ApplyOutcome(Outcome{
		Results: map[Platform]PlatformResult{
			Facebook:  {Error: "token expired"},
			Instagram: {Success: true, PostID: "ig-1"},
		},
		FinishedAt: finished,
	})

	if p.Status != StatusPartiallyPosted {
		t.Errorf("Status = %q, want %q", p.Status, StatusPartiallyPosted)
	}
	if !p.PostedTo.Contains(Instagram) || len(p.PostedTo) != 1 {
		t.Errorf("PostedTo = %v, want [instagram]", p.PostedTo)
	}
	if !p.FailedOn.Contains(Facebook) || len(p.FailedOn) != 1 {
		t.Errorf("FailedOn = %v, want [facebook]", p.FailedOn)
	}
	if p.AttemptedAt == nil || !p.AttemptedAt.Equal(finished) {
		t.Errorf("AttemptedAt = %v, want %v", p.AttemptedAt, finished)
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusPosted, StatusPartiallyPosted, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []Status{StatusScheduled, StatusPublishing} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusScheduled, StatusPublishing, StatusPosted, StatusPartiallyPosted, StatusFailed} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []Status{"", "pending", "Posted"} {
		if s.Valid() {
			t.Errorf("%q should not be valid", s)
		}
	}
}

// --- Timestamp ---

func TestTimestamp_MarshalNaive(t *testing.T) {
	ts := NewTimestamp(time.Date(2026, 5, 4, 9, 30, 0, 0, time.Local))
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"2026-05-04T09:30:00"` {
		t.Errorf("marshal = %s, want \"2026-05-04T09:30:00\"", data)
	}
}

func TestTimestamp_UnmarshalForms(t *testing.T) {
	want := time.Date(2026, 5, 4, 9, 30, 0, 0, time.Local)
	for _, in := range []string{
		`"2026-05-04T09:30:00"`,
		`"2026-05-04T09:30"`,
		`"2026-05-04 09:30"`,
		`"` + want.Format(time.RFC3339) + `"`,
	} {
		var ts Timestamp
		if err := json.Unmarshal([]byte(in), &ts); err != nil {
			t.Errorf("unmarshal %s: %v", in, err)
			continue
		}
		if !ts.Equal(want) {
			t.Errorf("unmarshal %s = %v, want %v", in, ts.Time, want)
		}
	}
}

func TestTimestamp_Microseconds(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"2026-01-02T03:04:05.123456"`), &ts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ts.Nanosecond() != 123456000 {
		t.Errorf("Nanosecond = %d, want 123456000", ts.Nanosecond())
	}
}

func TestTimestamp_Invalid(t *testing.T) {
	var ts Timestamp
	err := json.Unmarshal([]byte(`"next tuesday"`), &ts)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "invalid timestamp") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "invalid timestamp")
	}
}

func TestPlatformList_LegacyCount(t *testing.T) {
	var p ScheduledPost
	if err := json.Unmarshal([]byte(`{"id":"x","posted_to":2}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(p.PostedTo) != 0 {
		t.Errorf("PostedTo = %v, want empty", p.PostedTo)
	}
	if p.PostedCount != 2 {
		t.Errorf("PostedCount = %d, want 2", p.PostedCount)
	}

	if err := json.Unmarshal([]byte(`{"id":"x","posted_to":["twitter"]}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.PostedTo.Contains(Twitter) {
		t.Errorf("PostedTo = %v, want [twitter]", p.PostedTo)
	}
	if p.PostedCount != 0 {
		t.Errorf("PostedCount = %d, want 0 once a list is present", p.PostedCount)
	}
}

func TestApplyOutcome_ClearsLegacyCount(t *testing.T) {
	p := ScheduledPost{ID: "a", Status: StatusPublishing, PostedCount: 3}
	p.ApplyOutcome(Outcome{Results: map[Platform]PlatformResult{Twitter: {Success: true}}})
	if p.PostedCount != 0 {
		t.Errorf("PostedCount = %d, want 0", p.PostedCount)
	}
}
