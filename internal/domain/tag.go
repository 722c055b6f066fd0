package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// TagUID is an RFID tag identifier as reported by a reader, e.g.
// "E0:04:03:50:13:16:80:4B". Library items use the synthetic form
// "lib:<path>".
type TagUID string

// Track is a single chapter inside a tag's source audio. Start and
// Duration are offsets into the continuous source stream in seconds.
type Track struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration"`
	Start    float64 `json:"start"`
}

// Tag is a resolved RFID tag with its content metadata.
type Tag struct {
	UID       TagUID  `json:"uid"`
	Source    string  `json:"source"`
	Series    string  `json:"series"`
	Episode   string  `json:"episode"`
	Title     string  `json:"title"`
	Picture   string  `json:"picture"`
	Model     string  `json:"model"`
	AudioPath string  `json:"audio_path"`
	Valid     bool    `json:"valid"`
	Exists    bool    `json:"exists"`
	Duration  float64 `json:"duration"`
	Tracks    []Track `json:"tracks"`
}

// IsLibrary reports whether the UID refers to a library file rather than
// a physical tag.
func (u TagUID) IsLibrary() bool {
	return strings.HasPrefix(string(u), "lib:")
}

// Normalized returns the UID with colons stripped and upper-cased, the
// form used for index comparisons.
func (u TagUID) Normalized() string {
	return strings.ToUpper(strings.ReplaceAll(string(u), ":", ""))
}

// Matches reports whether other identifies the same tag. Readers often
// send only the last 4 bytes (8 hex chars) of the UID, so a suffix match
// counts.
func (u TagUID) Matches(other string) bool {
	a := u.Normalized()
	b := strings.ToUpper(strings.ReplaceAll(other, ":", ""))
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.HasSuffix(a, b) || strings.HasSuffix(b, a)
}

// SuffixBytes returns the last 4 bytes of the UID as hex pairs, e.g.
// ["13","16","80","4B"]. Returns nil if fewer than 4 bytes are present.
func (u TagUID) SuffixBytes() []string {
	n := u.Normalized()
	if len(n) < 8 {
		return nil
	}
	n = n[len(n)-8:]
	pairs := make([]string, 0, 4)
	for i := 0; i < 8; i += 2 {
		pairs = append(pairs, n[i:i+2])
	}
	return pairs
}

// MapFileName returns the on-card UID map file stem, the last 4 UID
// bytes joined with dashes ("13-16-80-4B").
func (u TagUID) MapFileName() string {
	pairs := u.SuffixBytes()
	if pairs == nil {
		return ""
	}
	return strings.Join(pairs, "-")
}

// ReaderTagID converts the UID into the decimal form an ESPuino reports
// for its current tag: the last 4 bytes in reversed order, each rendered
// as a zero-padded 3-digit decimal.
func (u TagUID) ReaderTagID() string {
	pairs := u.SuffixBytes()
	if pairs == nil {
		return ""
	}
	var b strings.Builder
	for i := len(pairs) - 1; i >= 0; i-- {
		v, err := strconv.ParseUint(pairs[i], 16, 8)
		if err != nil {
			return ""
		}
		fmt.Fprintf(&b, "%03d", v)
	}
	return b.String()
}

// DisplayTitle picks the best human title for the tag.
func (t Tag) DisplayTitle() string {
	switch {
	case t.Title != "":
		return t.Title
	case t.Series != "" && t.Episode != "":
		return t.Series + " - " + t.Episode
	case t.Series != "":
		return t.Series
	case t.Episode != "":
		return t.Episode
	default:
		return "Unknown Tag"
	}
}

// PseudoTracks returns the single-track fallback used when no chapter
// information is available for a source.
func PseudoTracks(duration float64) []Track {
	if duration <= 0 {
		duration = 7200
	}
	return []Track{{Name: "Full Audio", Duration: duration, Start: 0}}
}
