package identify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type fakeAI struct {
	replies []string
	errs    []error
	calls   atomic.Int32
}

func (f *fakeAI) Name() string { return "fake" }

func (f *fakeAI) HandleText(_ context.Context, msg string) (string, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	if n < len(f.replies) {
		return f.replies[n], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func newTestIdentifier(client *fakeAI) *Identifier {
	i := New(client)
	i.retryDelay = 0
	return i
}

func TestIdentifyKeepsKnownArtist(t *testing.T) {
	client := &fakeAI{replies: []string{`{"is_song": true, "title": "x", "artist": "y"}`}}
	got := newTestIdentifier(client).Identify(context.Background(), " Song ", "Artist")
	if got.Title != "Song" || got.Artist != "Artist" {
		t.Errorf("unexpected result %+v", got)
	}
	if client.calls.Load() != 0 {
		t.Error("AI must not be queried when the artist is known")
	}
}

func TestIdentifyWithoutAI(t *testing.T) {
	got := New(nil).Identify(context.Background(), "Artist - Song (Official Video)", "")
	if got.Title != "Artist - Song (Official Video)" || got.Artist != "" {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestIdentifyParsesReplyAndMemoizes(t *testing.T) {
	client := &fakeAI{replies: []string{"```json\n{\"is_song\": true, \"title\": \"晴天\", \"artist\": \"周杰伦\"}\n```"}}
	i := newTestIdentifier(client)

	for n := 0; n < 2; n++ {
		got := i.Identify(context.Background(), "周杰倫 - 晴天 MV", "")
		if got.Title != "晴天" || got.Artist != "周杰伦" {
			t.Fatalf("unexpected result %+v", got)
		}
	}
	if n := client.calls.Load(); n != 1 {
		t.Errorf("expected 1 AI call, got %d", n)
	}
}

func TestIdentifyRetries(t *testing.T) {
	boom := errors.New("rate limited")
	client := &fakeAI{
		errs:    []error{boom, boom},
		replies: []string{"", "", `{"is_song": true, "title": "Song", "artist": "Band"}`},
	}
	got := newTestIdentifier(client).Identify(context.Background(), "Band - Song", "")
	if got.Artist != "Band" {
		t.Errorf("expected success on third attempt, got %+v", got)
	}
	if n := client.calls.Load(); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestIdentifyFallsBackOnFailure(t *testing.T) {
	boom := errors.New("down")
	client := &fakeAI{errs: []error{boom, boom, boom}, replies: []string{""}}
	i := newTestIdentifier(client)
	got := i.Identify(context.Background(), "Some Title", "")
	if got.Title != "Some Title" || got.Artist != "" {
		t.Errorf("unexpected fallback %+v", got)
	}

	// 失败不缓存，下次还会再问
	i.Identify(context.Background(), "Some Title", "")
	if n := client.calls.Load(); n != 4 {
		t.Errorf("expected failure not to be memoized, got %d calls", n)
	}
}

func TestIdentifyNotASong(t *testing.T) {
	client := &fakeAI{replies: []string{`{"is_song": false}`}}
	got := newTestIdentifier(client).Identify(context.Background(), "Podcast Episode 12", "")
	if got.IsSong || got.Title != "Podcast Episode 12" {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestIdentifyBadJSON(t *testing.T) {
	client := &fakeAI{replies: []string{"I think this is a song"}}
	got := newTestIdentifier(client).Identify(context.Background(), "Title", "")
	if got.Title != "Title" || got.Artist != "" {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestNewAIWithoutKey(t *testing.T) {
	client, err := NewAI(context.Background(), "gemini", "", "")
	if err != nil || client != nil {
		t.Errorf("expected nil client without key, got %v %v", client, err)
	}
}
