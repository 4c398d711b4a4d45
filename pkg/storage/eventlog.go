package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/reelworks/reel/pkg/hashing"
	"github.com/reelworks/reel/pkg/models"
)

// timestampLayout is the lexicographically sortable filename prefix for event
// files, millisecond precision.
const timestampLayout = "20060102T150405.000"

// EventLog is the append-only event log of a movie. Appends are serialised
// through an internal mutex; a monotonic counter disambiguates multiple
// appends within the same millisecond so filename order always matches
// append order.
type EventLog struct {
	storage Storage
	movieID string
	clock   func() time.Time

	mu        sync.Mutex
	lastStamp string
	seq       int
}

// NewEventLog creates the event log handle for a movie.
func NewEventLog(s Storage, movieID string) *EventLog {
	return &EventLog{storage: s, movieID: movieID, clock: time.Now}
}

// WithClock overrides the log's clock. Tests use this to force same-
// millisecond appends.
func (l *EventLog) WithClock(clock func() time.Time) *EventLog {
	l.clock = clock
	return l
}

// AppendInput appends one input event. The event's CreatedAt is stamped from
// the log clock if unset.
func (l *EventLog) AppendInput(ctx context.Context, ev *models.InputEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	name, now := l.nextFilename(ev.ID)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("encode input event %s: %w", ev.ID, err)
	}
	return l.storage.Write(ctx, l.storage.Resolve(l.movieID, dirEventsInputs, name), data)
}

// AppendArtefact appends one artefact event.
func (l *EventLog) AppendArtefact(ctx context.Context, ev *models.ArtefactEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	name, now := l.nextFilename(ev.ArtefactID)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artefact event %s: %w", ev.ArtefactID, err)
	}
	return l.storage.Write(ctx, l.storage.Resolve(l.movieID, dirEventsArtefact, name), data)
}

// nextFilename builds "<ts>-<seq>-<idhash>.json". Canonical ids contain
// path-unsafe characters, so the id is hashed into the name and embedded in
// full inside the event body. Caller holds l.mu.
func (l *EventLog) nextFilename(id string) (string, time.Time) {
	now := l.clock().UTC()
	stamp := now.Format(timestampLayout)
	if stamp == l.lastStamp {
		l.seq++
	} else {
		l.lastStamp = stamp
		l.seq = 0
	}
	return fmt.Sprintf("%s-%04d-%s.json", stamp, l.seq, hashing.HashBytes([]byte(id))[:8]), now
}

// StreamInputs yields input events in append order. The sequence is lazy and
// finite; re-invoking restarts from the beginning.
func (l *EventLog) StreamInputs(ctx context.Context) iter.Seq2[*models.InputEvent, error] {
	return streamEvents[models.InputEvent](ctx, l.storage, l.movieID, dirEventsInputs)
}

// StreamArtefacts yields artefact events in append order.
func (l *EventLog) StreamArtefacts(ctx context.Context) iter.Seq2[*models.ArtefactEvent, error] {
	return streamEvents[models.ArtefactEvent](ctx, l.storage, l.movieID, dirEventsArtefact)
}

func streamEvents[E any](ctx context.Context, s Storage, movieID, dir string) iter.Seq2[*E, error] {
	return func(yield func(*E, error) bool) {
		names, err := s.List(ctx, s.Resolve(movieID, dir))
		if err != nil {
			yield(nil, err)
			return
		}
		for _, name := range names {
			data, err := s.Read(ctx, s.Resolve(movieID, dir, name))
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			var ev E
			if err := json.Unmarshal(data, &ev); err != nil {
				if !yield(nil, fmt.Errorf("decode event %s: %w", name, err)) {
					return
				}
				continue
			}
			if !yield(&ev, nil) {
				return
			}
		}
	}
}
