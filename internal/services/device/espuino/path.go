package espuino

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"toniebridge/internal/domain"
)

// MirrorRoot is where albums are mirrored on the SD card. UID maps live
// in a flat subdirectory so they survive album folder renames.
const (
	MirrorRoot = "/teddycloud"
	uidMapDir  = MirrorRoot + "/uids"
)

var (
	unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespace  = regexp.MustCompile(`\s+`)
	underscores = regexp.MustCompile(`_+`)

	// Decompose and drop combining marks, so "Käpt'n" becomes "Kapt'n".
	asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
)

// SanitizeName makes a string safe as an SD card file or folder name.
// Accents are folded to ASCII, unsafe characters become underscores and
// the result is truncated to maxLen.
func SanitizeName(name string, maxLen int) string {
	if name == "" {
		return "unknown"
	}
	if folded, _, err := transform.String(asciiFold, name); err == nil {
		name = folded
	}
	var b strings.Builder
	for _, r := range name {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	name = unsafeChars.ReplaceAllString(b.String(), "_")
	name = whitespace.ReplaceAllString(name, "_")
	name = underscores.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_.")
	if len(name) > maxLen {
		name = strings.TrimRight(name[:maxLen], "_")
	}
	if name == "" {
		return "unknown"
	}
	return name
}

// DestFolder returns the SD card folder for an album, e.g.
// "/teddycloud/Janosch_Post_fuer_den_Tiger".
func DestFolder(series, episode string) string {
	name := series
	switch {
	case series != "" && episode != "":
		name = series + "_" + episode
	case episode != "":
		name = episode
	}
	return MirrorRoot + "/" + SanitizeName(name, 50)
}

// DestTrackPath returns the SD card path for one track inside folder,
// e.g. "/teddycloud/Janosch_Post_fuer_den_Tiger/01_Kapitel_1.mp3".
func DestTrackPath(folder string, index int, name string) string {
	num := fmt.Sprintf("%02d", index+1)
	if name == "" {
		return fmt.Sprintf("%s/%s.mp3", folder, num)
	}
	return fmt.Sprintf("%s/%s_%s.mp3", folder, num, SanitizeName(name, 40))
}

// UIDMapPath returns the SD card path of the per-tag lookup document,
// keyed by the last four UID bytes.
func UIDMapPath(uid domain.TagUID) string {
	stem := uid.MapFileName()
	if stem == "" {
		stem = strings.ReplaceAll(strings.ToUpper(string(uid)), ":", "-")
		if stem == "" {
			stem = "unknown"
		}
	}
	return uidMapDir + "/" + stem + ".json"
}
