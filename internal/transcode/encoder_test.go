package transcode

import (
	"strings"
	"testing"
)

func TestBuildTrackArgsOrdering(t *testing.T) {
	args := buildTrackArgs(TrackArgConfig{
		Input:        "http://teddycloud/content/abc?ogg=true",
		Output:       "/cache/ab/01.mp3",
		StartSeconds: 120,
		Duration:     180,
		TrackIndex:   0,
		TotalTracks:  5,
		Title:        "Kapitel 1",
		Artist:       "Janosch",
		Album:        "Janosch - Post fuer den Tiger",
	})
	joined := strings.Join(args, " ")

	// Seek and duration are input options and must come before -i.
	ssIdx := strings.Index(joined, "-ss 120")
	inIdx := strings.Index(joined, "-i http://")
	if ssIdx < 0 || inIdx < 0 || ssIdx > inIdx {
		t.Fatalf("seek not before input: %s", joined)
	}
	if !strings.Contains(joined, "-t 180") {
		t.Fatalf("duration missing: %s", joined)
	}
	if !strings.Contains(joined, "-b:a 192k") || !strings.Contains(joined, "-ar 44100") {
		t.Fatalf("codec settings missing: %s", joined)
	}
	if !strings.Contains(joined, "track=1/5") {
		t.Fatalf("track tag missing: %s", joined)
	}
	if strings.Contains(joined, "attached_pic") {
		t.Fatalf("cover mapping present without cover: %s", joined)
	}
	if args[len(args)-1] != "/cache/ab/01.mp3" {
		t.Fatalf("output not last: %v", args)
	}
}

func TestBuildTrackArgsWithCover(t *testing.T) {
	args := buildTrackArgs(TrackArgConfig{
		Input:       "src.ogg",
		Output:      "out.mp3",
		Duration:    60,
		TotalTracks: 1,
		Title:       "Track 1",
		Artist:      "Tonie",
		Album:       "Unknown",
		Year:        "2020",
		CoverPath:   "/cache/ab/cover.jpg",
	})
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "-i /cache/ab/cover.jpg") {
		t.Fatalf("cover input missing: %s", joined)
	}
	if !strings.Contains(joined, "-map 0:a -map 1:v") {
		t.Fatalf("cover stream mapping missing: %s", joined)
	}
	if !strings.Contains(joined, "-disposition:v attached_pic") {
		t.Fatalf("attached_pic disposition missing: %s", joined)
	}
	if !strings.Contains(joined, "date=2020") {
		t.Fatalf("year tag missing: %s", joined)
	}
}

func TestBuildConcatArgs(t *testing.T) {
	args := buildConcatArgs("/cache/ab/concat_list.txt", "/cache/ab/full.mp3")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-f concat -safe 0") {
		t.Fatalf("concat demuxer args missing: %s", joined)
	}
	if !strings.Contains(joined, "-c copy") {
		t.Fatalf("concat must not re-encode: %s", joined)
	}
}

func TestAlbumTitles(t *testing.T) {
	cases := []struct {
		series, episode, album, artist string
	}{
		{"Janosch", "Post fuer den Tiger", "Janosch - Post fuer den Tiger", "Janosch"},
		{"", "Post fuer den Tiger", "Post fuer den Tiger", "Tonie"},
		{"Janosch", "", "Janosch", "Janosch"},
		{"", "", "Unknown", "Tonie"},
	}
	for _, tc := range cases {
		album, artist := albumTitles(tc.series, tc.episode)
		if album != tc.album || artist != tc.artist {
			t.Fatalf("albumTitles(%q, %q) = %q, %q", tc.series, tc.episode, album, artist)
		}
	}
}
