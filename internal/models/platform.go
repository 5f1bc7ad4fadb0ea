package models

import (
	"fmt"
	"slices"
	"strings"
)

// Platform identifies a social network a post can be published to.
type Platform string

const (
	Facebook  Platform = "facebook"
	Instagram Platform = "instagram"
	Twitter   Platform = "twitter"
	Reddit    Platform = "reddit"
)

// AllPlatforms lists every supported platform in display and publish order.
var AllPlatforms = []Platform{Facebook, Instagram, Twitter, Reddit}

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	return slices.Contains(AllPlatforms, p)
}

// Title returns the display name of the platform.
func (p Platform) Title() string {
	switch p {
	case Facebook:
		return "Facebook"
	case Instagram:
		return "Instagram"
	case Twitter:
		return "Twitter"
	case Reddit:
		return "Reddit"
	default:
		return string(p)
	}
}

// ParsePlatform converts a user-supplied name ("fb", "X", "Reddit") to a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "facebook", "fb":
		return Facebook, nil
	case "instagram", "ig", "insta":
		return Instagram, nil
	case "twitter", "x", "tw":
		return Twitter, nil
	case "reddit":
		return Reddit, nil
	default:
		return "", fmt.Errorf("models: unknown platform %q", s)
	}
}

// ParsePlatformList parses a comma- or space-separated list of platform names.
// "all" selects every platform.
func ParsePlatformList(s string) ([]Platform, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	var out []Platform
	seen := make(map[Platform]bool)
	for _, f := range fields {
		if strings.EqualFold(f, "all") {
			return append([]Platform(nil), AllPlatforms...), nil
		}
		p, err := ParsePlatform(f)
		if err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// PlatformSet maps each platform to whether it is enabled for a post.
type PlatformSet map[Platform]bool

// NewPlatformSet enables each of the given platforms.
func NewPlatformSet(ps ...Platform) PlatformSet {
	set := make(PlatformSet, len(ps))
	for _, p := range ps {
		set[p] = true
	}
	return set
}

// Enabled returns the enabled platforms in publish order. Unknown keys
// are appended after the known ones, sorted by name.
func (s PlatformSet) Enabled() []Platform {
	var out []Platform
	for _, p := range AllPlatforms {
		if s[p] {
			out = append(out, p)
		}
	}
	var unknown []Platform
	for p, on := range s {
		if on && !p.Valid() {
			unknown = append(unknown, p)
		}
	}
	slices.Sort(unknown)
	return append(out, unknown...)
}

// JoinPlatforms renders platforms as a comma-separated list.
func JoinPlatforms(ps []Platform) string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}
