package lrclib

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(baseURL string, maxRetries int) *Client {
	c := NewClient(baseURL, time.Second, maxRetries)
	c.retryDelay = time.Millisecond
	return c
}

func TestGetQueryParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("track_name") != "Song & Dance" || q.Get("artist_name") != "Artist" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Get("duration") != "215" {
			t.Errorf("expected duration 215, got %q", q.Get("duration"))
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		w.Write([]byte(`{"id":1,"trackName":"Song & Dance","syncedLyrics":"[00:01.00]hi","plainLyrics":"hi"}`))
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL, 0).Get(context.Background(), Query{Title: "Song & Dance", Artist: "Artist", DurationSec: 215})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, source, ok := resp.Text()
	if !ok || source != SourceSynced || text != "[00:01.00]hi" {
		t.Errorf("expected synced lyrics, got %q %q %v", text, source, ok)
	}
}

func TestGetOmitsZeroDuration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["duration"]; ok {
			t.Error("duration must be omitted when unknown")
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL, 0).Get(context.Background(), Query{Title: "a", Artist: "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetNotFoundIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 3).Get(context.Background(), Query{Title: "a", Artist: "b"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"plainLyrics":"plain"}`))
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL, 3).Get(context.Background(), Query{Title: "a", Artist: "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
	if text, source, _ := resp.Text(); text != "plain" || source != SourcePlain {
		t.Errorf("unexpected lyrics %q from %q", text, source)
	}
}

func TestGetGivesUpAfterMaxRetries(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 2).Get(context.Background(), Query{Title: "a", Artist: "b"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
}

func TestGetClientErrorIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 3).Get(context.Background(), Query{Title: "a", Artist: "b"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
}

func TestGetMalformedBodyIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 3).Get(context.Background(), Query{Title: "a", Artist: "b"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
}

func TestResponseTextPreference(t *testing.T) {
	cases := []struct {
		name   string
		resp   *Response
		text   string
		source Source
		ok     bool
	}{
		{"Synced", &Response{SyncedLyrics: "s", PlainLyrics: "p", Lyrics: "l"}, "s", SourceSynced, true},
		{"Plain", &Response{PlainLyrics: "p", Lyrics: "l"}, "p", SourcePlain, true},
		{"Generic", &Response{Lyrics: "l"}, "l", SourceLyrics, true},
		{"Empty", &Response{}, "", "", false},
		{"Nil", nil, "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, source, ok := tc.resp.Text()
			if text != tc.text || source != tc.source || ok != tc.ok {
				t.Errorf("expected (%q,%q,%v), got (%q,%q,%v)", tc.text, tc.source, tc.ok, text, source, ok)
			}
		})
	}
}
