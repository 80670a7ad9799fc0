// Package lyriccache fetches raw timed lyric text for a track and memoizes it
// in a durable store, so a track is looked up remotely at most once.
package lyriccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"lyricsync/pkg/lrclib"
	"lyricsync/pkg/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// defaultFetchTimeout bounds a shared remote lookup, retries included.
const defaultFetchTimeout = 30 * time.Second

// ErrCorruptEntry is returned when a persisted entry cannot be decoded.
var ErrCorruptEntry = errors.New("lyriccache: corrupt cache entry")

// Query identifies a track. DurationMs is 0 when unknown.
type Query struct {
	Title      string
	Artist     string
	DurationMs int64
}

// DurationSec is the duration rounded to whole seconds, 0 when absent.
func (q Query) DurationSec() int64 {
	if q.DurationMs <= 0 {
		return 0
	}
	return int64(math.Round(float64(q.DurationMs) / 1000))
}

// Key is the store key: lrclib::<artist>::<title>::<seconds>.
// Fields escape '\' and ':' so the delimiter cannot appear inside a field.
func (q Query) Key() string {
	return "lrclib::" + escapeField(q.Artist) + "::" + escapeField(q.Title) + "::" + strconv.FormatInt(q.DurationSec(), 10)
}

var fieldEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

func escapeField(s string) string {
	return fieldEscaper.Replace(s)
}

// Result of a fetch. Found is false for "no lyrics available", whatever the reason.
type Result struct {
	Text      string
	Source    lrclib.Source
	FetchedAt time.Time
	Found     bool
	Cached    bool
}

// entry is the persisted envelope.
type entry struct {
	Text      string        `json:"text"`
	Source    lrclib.Source `json:"source"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Lookup is the remote lyric database.
type Lookup interface {
	Get(ctx context.Context, q lrclib.Query) (*lrclib.Response, error)
}

type Cache struct {
	lookup Lookup
	store  store.Store
	group  singleflight.Group
	log    zerolog.Logger
	now    func() time.Time

	fetchTimeout time.Duration
}

func New(lookup Lookup, st store.Store) *Cache {
	return &Cache{
		lookup: lookup,
		store:  st,
		log:    log.With().Str("component", "lyriccache").Logger(),
		now:    time.Now,

		fetchTimeout: defaultFetchTimeout,
	}
}

// Fetch returns cached lyrics, or looks them up remotely and caches them.
// Remote failures of any kind collapse to a Result with Found == false, and
// so does a store that cannot be read. The only error is ErrCorruptEntry.
func (c *Cache) Fetch(ctx context.Context, q Query) (Result, error) {
	key := q.Key()

	if res, ok, err := c.cached(ctx, key); err != nil || ok {
		return res, err
	}

	// the shared lookup outlives any single caller; each caller waits on its own ctx
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		// another caller may have filled the store while we waited
		if res, ok, err := c.cached(fctx, key); err != nil || ok {
			return res, err
		}
		return c.fetchRemote(fctx, key, q), nil
	})

	select {
	case <-ctx.Done():
		c.log.Debug().Str("key", key).Msg("Caller gave up waiting for lookup")
		return Result{}, nil
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

// cached reports a hit from the store. A store read failure is logged and
// treated as a miss.
func (c *Cache) cached(ctx context.Context, key string) (Result, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to read cache entry, treating as miss")
		return Result{}, false, nil
	}
	if !ok {
		return Result{}, false, nil
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Result{}, false, fmt.Errorf("%w %q: %v", ErrCorruptEntry, key, err)
	}
	if e.Text == "" {
		return Result{}, false, fmt.Errorf("%w %q: empty text", ErrCorruptEntry, key)
	}

	c.log.Debug().Str("key", key).Msg("Cache HIT")
	return Result{Text: e.Text, Source: e.Source, FetchedAt: e.FetchedAt, Found: true, Cached: true}, true, nil
}

func (c *Cache) fetchRemote(ctx context.Context, key string, q Query) Result {
	c.log.Info().Str("title", q.Title).Str("artist", q.Artist).Int64("duration", q.DurationSec()).Msg("Cache MISS, fetching from API")

	resp, err := c.lookup.Get(ctx, lrclib.Query{Title: q.Title, Artist: q.Artist, DurationSec: q.DurationSec()})
	if errors.Is(err, lrclib.ErrNotFound) {
		c.log.Info().Str("title", q.Title).Str("artist", q.Artist).Msg("No lyrics found")
		return Result{}
	}
	if err != nil {
		c.log.Warn().Err(err).Str("title", q.Title).Str("artist", q.Artist).Msg("Lyrics lookup failed")
		return Result{}
	}

	text, source, ok := resp.Text()
	if !ok {
		c.log.Info().Str("title", q.Title).Str("artist", q.Artist).Msg("Lookup returned no lyrics fields")
		return Result{}
	}

	e := entry{Text: text, Source: source, FetchedAt: c.now().UTC()}
	raw, err := json.Marshal(e)
	if err == nil {
		err = c.store.Set(ctx, key, string(raw))
	}
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Failed to write cache entry")
	}

	return Result{Text: text, Source: source, FetchedAt: e.FetchedAt, Found: true}
}
