// Package sampler polls the player position at display frame rate, resolves
// the lyric cursor and publishes render frames.
package sampler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lyricsync/internal/lyrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval     = 16 * time.Millisecond
	defaultQueryTimeout = time.Second
)

var (
	ErrRunning  = errors.New("sampler is already running")
	ErrNoSeeker = errors.New("seeking is not supported by this player")
)

// PositionProvider reports the playback position. It should return 0 rather
// than an error when nothing is playing.
type PositionProvider interface {
	PositionMs(ctx context.Context) (int64, error)
}

type Seeker interface {
	SeekMs(ctx context.Context, targetMs int64) error
}

type Sink interface {
	Publish(Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame)

func (f SinkFunc) Publish(fr Frame) { f(fr) }

type WordFrame struct {
	Text  string           `json:"text"`
	Start int64            `json:"start"`
	End   int64            `json:"end"`
	State lyrics.WordState `json:"state"`
}

// Frame is everything a display needs for one tick.
type Frame struct {
	SessionID     string        `json:"session_id"`
	Synced        bool          `json:"synced"`
	Lines         int           `json:"lines"`
	Cursor        lyrics.Cursor `json:"cursor"`
	Text          string        `json:"text"`
	Words         []WordFrame   `json:"words,omitempty"`
	RawPositionMs int64         `json:"raw_position_ms"`
	LyricTimeMs   int64         `json:"lyric_time_ms"`
	DurationMs    int64         `json:"duration_ms"`
	OffsetMs      int64         `json:"offset_ms"`
}

type session struct {
	id         string
	track      *lyrics.Track
	durationMs int64
}

type Options struct {
	Interval time.Duration
	Seeker   Seeker
	Offsets  *OffsetStore
}

type Sampler struct {
	provider     PositionProvider
	seeker       Seeker
	sink         Sink
	offsets      *OffsetStore
	interval     time.Duration
	queryTimeout time.Duration

	current atomic.Pointer[session]
	offset  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// only touched by the loop goroutine
	failing bool

	log zerolog.Logger
}

func New(provider PositionProvider, sink Sink, opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	s := &Sampler{
		provider:     provider,
		seeker:       opts.Seeker,
		sink:         sink,
		offsets:      opts.Offsets,
		interval:     opts.Interval,
		queryTimeout: defaultQueryTimeout,
		log:          log.With().Str("component", "sampler").Logger(),
	}
	if s.offsets != nil {
		v, err := s.offsets.Load()
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to load lyric offset, using 0")
		}
		s.offset.Store(v)
	}
	return s
}

// SetTrack swaps the current track. The next tick resolves against it.
func (s *Sampler) SetTrack(track *lyrics.Track, durationMs int64) string {
	sess := &session{id: uuid.NewString(), track: track, durationMs: durationMs}
	s.current.Store(sess)
	lines := 0
	if track != nil {
		lines = len(track.Lines)
	}
	s.log.Info().Str("session", sess.id).Int("lines_count", lines).Int64("duration_ms", durationMs).Msg("Track loaded")
	return sess.id
}

func (s *Sampler) ClearTrack() {
	s.current.Store(nil)
}

// Start runs the sampling loop until Stop is called or ctx is done.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(loopCtx, done)
	s.log.Info().Dur("interval", s.interval).Msg("Sampler started")
	return nil
}

// Stop cancels the pending tick and waits for the loop to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("Sampler stopped")
}

func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// re-armed after every tick, so ticks never overlap
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.tick(ctx)
		timer.Reset(s.interval)
	}
}

func (s *Sampler) tick(ctx context.Context) {
	// the query itself is not cancelled on teardown, its result is dropped instead
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
	pos, err := s.provider.PositionMs(qctx)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if !s.failing {
			s.log.Warn().Err(err).Msg("Failed to query playback position, skipping ticks")
		}
		s.failing = true
		return
	}
	if s.failing {
		s.log.Info().Msg("Playback position available again")
		s.failing = false
	}

	s.sink.Publish(s.Sample(pos))
}

// Sample builds the frame for a raw player position using the current track
// and offset. It does no I/O.
func (s *Sampler) Sample(rawPositionMs int64) Frame {
	offset := s.offset.Load()
	lyricTime := rawPositionMs + offset

	frame := Frame{
		RawPositionMs: rawPositionMs,
		LyricTimeMs:   lyricTime,
		OffsetMs:      offset,
	}

	sess := s.current.Load()
	if sess == nil {
		return frame
	}
	frame.SessionID = sess.id
	frame.DurationMs = sess.durationMs
	if sess.track.Empty() {
		return frame
	}

	track := sess.track
	frame.Synced = track.Synced
	frame.Lines = len(track.Lines)
	frame.Cursor = track.Resolve(lyricTime)

	line := track.Lines[frame.Cursor.LineIndex]
	frame.Text = line.Text
	if len(line.Words) > 0 {
		states := lyrics.WordStates(line, lyricTime)
		frame.Words = make([]WordFrame, len(line.Words))
		for i, w := range line.Words {
			frame.Words[i] = WordFrame{Text: w.Text, Start: w.Start, End: w.End, State: states[i]}
		}
	}
	return frame
}

func (s *Sampler) Offset() int64 {
	return s.offset.Load()
}

// SetOffset updates the offset immediately and persists it.
func (s *Sampler) SetOffset(ms int64) error {
	s.offset.Store(ms)
	s.log.Info().Int64("offset_ms", ms).Msg("Lyric offset changed")
	if s.offsets == nil {
		return nil
	}
	return s.offsets.Save(ms)
}

func (s *Sampler) AdjustOffset(deltaMs int64) (int64, error) {
	v := s.offset.Add(deltaMs)
	s.log.Info().Int64("offset_ms", v).Msg("Lyric offset changed")
	if s.offsets == nil {
		return v, nil
	}
	return v, s.offsets.Save(v)
}

// SeekMs asks the player to seek. Failures are logged and returned; the loop
// keeps running either way.
func (s *Sampler) SeekMs(ctx context.Context, targetMs int64) error {
	if s.seeker == nil {
		return ErrNoSeeker
	}
	if err := s.seeker.SeekMs(ctx, targetMs); err != nil {
		s.log.Warn().Err(err).Int64("target_ms", targetMs).Msg("Seek failed")
		return err
	}
	return nil
}

// SeekFraction seeks to floor(fraction * duration) of the current track.
func (s *Sampler) SeekFraction(ctx context.Context, fraction float64) (int64, error) {
	var duration int64
	if sess := s.current.Load(); sess != nil {
		duration = sess.durationMs
	}
	if duration <= 0 {
		return 0, errors.New("track duration unknown")
	}
	target := lyrics.SeekTarget(fraction, duration)
	return target, s.SeekMs(ctx, target)
}
