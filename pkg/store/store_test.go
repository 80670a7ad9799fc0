package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// exerciseStore 所有后端共用的基本行为
func exerciseStore(t *testing.T, s Store, prefix string) {
	t.Helper()
	ctx := context.Background()

	key := prefix + "lrclib::artist::title::215"
	if _, ok, err := s.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	value := "[00:01.00]line one\n[00:02.00]line two"
	if err := s.Set(ctx, key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got != value {
		t.Errorf("expected %q, got %q", value, got)
	}

	if err := s.Set(ctx, key, "replaced"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _, _ := s.Get(ctx, key); got != "replaced" {
		t.Errorf("expected overwrite, got %q", got)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory(), "")
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.jsonl")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	exerciseStore(t, s, "")
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// 重新打开后以最后一次写入为准
	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, ok, _ := reopened.Get(context.Background(), "lrclib::artist::title::215")
	if !ok || got != "replaced" {
		t.Errorf("expected persisted value, got %q ok=%v", got, ok)
	}
}

func TestFileKeepsMultilineValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	value := "a => b\nc\r\n\"quoted\""
	if err := s.Set(context.Background(), "k", value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.Close()

	data, _ := os.ReadFile(path)
	if n := strings.Count(string(data), "\n"); n != 1 {
		t.Errorf("expected one record line, got %d", n)
	}

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if got, _, _ := reopened.Get(context.Background(), "k"); got != value {
		t.Errorf("expected %q, got %q", value, got)
	}
}

func TestFileCorruptLineFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	content := `{"k":"a","v":"1"}` + "\n" + `{"k":"b","v":` + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := OpenFile(path)
	if err == nil {
		t.Fatal("expected corrupt file to fail")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error should point at the bad line: %v", err)
	}
}

func TestFileDropsTornLastRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	good := `{"k":"a","v":"1"}` + "\n"
	if err := os.WriteFile(path, []byte(good+`{"k":"b","v":"[00:0`), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("torn tail should not fail open: %v", err)
	}
	ctx := context.Background()
	if v, ok, _ := s.Get(ctx, "a"); !ok || v != "1" {
		t.Errorf("expected a=1, got %q %v", v, ok)
	}
	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Error("torn record should be dropped")
	}
	if err := s.Set(ctx, "c", "3"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	data, _ := os.ReadFile(path)
	if want := good + `{"k":"c","v":"3"}` + "\n"; string(data) != want {
		t.Errorf("unexpected file content %q", data)
	}

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if v, _, _ := reopened.Get(ctx, "c"); v != "3" {
		t.Errorf("expected c=3 after reopen, got %q", v)
	}
}

func TestFileUnterminatedValidRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	if err := os.WriteFile(path, []byte(`{"k":"a","v":"1"}`), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), "b", "2"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	for k, want := range map[string]string{"a": "1", "b": "2"} {
		if v, _, _ := reopened.Get(context.Background(), k); v != want {
			t.Errorf("expected %s=%s, got %q", k, want, v)
		}
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Backend: BackendMemory})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Errorf("expected *Memory, got %T", s)
	}

	s, err = Open(ctx, Options{FilePath: filepath.Join(t.TempDir(), "c.jsonl")})
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*File); !ok {
		t.Errorf("expected file backend by default, got %T", s)
	}

	if _, err := Open(ctx, Options{Backend: "bogus"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestLibsqlDSN(t *testing.T) {
	dsn, err := libsqlDSN("libsql://db.example.turso.io", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if dsn != "libsql://db.example.turso.io?authToken=tok" {
		t.Errorf("unexpected dsn %q", dsn)
	}

	dsn, _ = libsqlDSN("http://127.0.0.1:8080", "")
	if dsn != "http://127.0.0.1:8080" {
		t.Errorf("dsn without token must be unchanged, got %q", dsn)
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("LYRICSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LYRICSYNC_TEST_REDIS_ADDR not set")
	}
	r, err := NewRedis(context.Background(), addr, os.Getenv("LYRICSYNC_TEST_REDIS_PASSWORD"), 0)
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer r.Close()

	prefix := "lyricsync-test-" + uuid.NewString() + ":"
	exerciseStore(t, r, prefix)
	if _, err := r.Del(context.Background(), prefix+"lrclib::artist::title::215"); err != nil {
		t.Errorf("Del failed: %v", err)
	}
}

func TestLibsql(t *testing.T) {
	dbURL := os.Getenv("LYRICSYNC_TEST_LIBSQL_URL")
	if dbURL == "" {
		t.Skip("LYRICSYNC_TEST_LIBSQL_URL not set")
	}
	s, err := OpenLibsql(context.Background(), dbURL, os.Getenv("LYRICSYNC_TEST_LIBSQL_TOKEN"))
	if err != nil {
		t.Fatalf("OpenLibsql failed: %v", err)
	}
	defer s.Close()

	exerciseStore(t, s, "lyricsync-test-"+uuid.NewString()+":")
}
