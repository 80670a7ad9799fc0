package player

import (
	"errors"
	"testing"
)

func TestParsePosition(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"12.345678\n", 12346, false},
		{"0.000000", 0, false},
		{"", 0, false},
		{"-1.5", 0, false},
		{"garbage", 0, true},
	}
	for _, tc := range cases {
		got, err := parsePosition(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parsePosition(%q): unexpected error state %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parsePosition(%q): expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestParseMetadata(t *testing.T) {
	track, err := parseMetadata("Song\tArtist\tAlbum\t215400000\t/org/mpris/MediaPlayer2/Track/7\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if track.Title != "Song" || track.Artist != "Artist" || track.Album != "Album" {
		t.Errorf("unexpected track %+v", track)
	}
	if track.LengthMs != 215400 {
		t.Errorf("expected length 215400ms, got %d", track.LengthMs)
	}
	if track.Identifier() != "/org/mpris/MediaPlayer2/Track/7" {
		t.Errorf("unexpected identifier %q", track.Identifier())
	}
}

func TestParseMetadataWithoutOptionalFields(t *testing.T) {
	track, err := parseMetadata("Some Video Title\t\t\t\t\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if track.LengthMs != 0 || track.Artist != "" {
		t.Errorf("unexpected track %+v", track)
	}
	if track.Identifier() != "Some Video Title" {
		t.Errorf("unexpected identifier %q", track.Identifier())
	}
}

func TestParseMetadataErrors(t *testing.T) {
	if _, err := parseMetadata("\t\t\t\t"); !errors.Is(err, ErrNoPlayer) {
		t.Errorf("expected ErrNoPlayer for empty title, got %v", err)
	}
	if _, err := parseMetadata("only one field"); err == nil {
		t.Error("expected error for malformed output")
	}
}

func TestIdentifierFallsBackToArtistTitle(t *testing.T) {
	track := Track{Title: "Song", Artist: "Artist"}
	if got := track.Identifier(); got != "Artist - Song" {
		t.Errorf("unexpected identifier %q", got)
	}
}
