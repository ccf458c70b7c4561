// Package memorylog is the in-process eventlog.Log used by default. History
// is a bounded ring: appends beyond capacity evict the oldest event, so
// resumption is best-effort over the retained window.
package memorylog

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/eapache/queue"

	"github.com/rpckit/sessiongate/eventlog"
)

// DefaultCapacity bounds retained history when no explicit capacity is given.
const DefaultCapacity = 1024

var errClosed = errors.New("event log closed")

// Log is a bounded in-memory event ring. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	events *queue.Queue // of eventlog.Event
	cap    int
	nextID int64
	closed bool
}

var _ eventlog.Log = (*Log)(nil)

// New builds a Log retaining at most capacity events. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{events: queue.New(), cap: capacity}
}

func (l *Log) Append(ctx context.Context, data []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", errClosed
	}

	l.nextID++
	evt := eventlog.Event{ID: strconv.FormatInt(l.nextID, 10), Data: append([]byte(nil), data...)}
	l.events.Add(evt)
	for l.events.Length() > l.cap {
		l.events.Remove()
	}
	return evt.ID, nil
}

func (l *Log) Replay(ctx context.Context, afterID string, fn eventlog.ReplayFunc) error {
	if afterID == "" {
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errClosed
	}
	// Snapshot under the lock; deliver outside it so a slow consumer does not
	// block appends.
	replay := make([]eventlog.Event, 0, l.events.Length())
	found := false
	for i := 0; i < l.events.Length(); i++ {
		evt := l.events.Get(i).(eventlog.Event)
		if evt.ID == afterID {
			replay = replay[:0]
			found = true
			continue
		}
		replay = append(replay, evt)
	}
	_ = found // evicted marker: best-effort, deliver everything retained
	l.mu.Unlock()

	for _, evt := range replay {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
