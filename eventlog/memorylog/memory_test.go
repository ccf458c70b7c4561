package memorylog_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/rpckit/sessiongate/eventlog"
	"github.com/rpckit/sessiongate/eventlog/memorylog"
)

func collect(t *testing.T, l *memorylog.Log, afterID string) []eventlog.Event {
	t.Helper()
	var got []eventlog.Event
	err := l.Replay(context.Background(), afterID, func(_ context.Context, evt eventlog.Event) error {
		got = append(got, evt)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return got
}

func TestReplayAfterMarker(t *testing.T) {
	l := memorylog.New(16)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := l.Append(context.Background(), []byte(fmt.Sprintf("evt-%d", i)))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}

	got := collect(t, l, ids[1])
	if len(got) != 3 {
		t.Fatalf("replay after %s: want 3 events got %d", ids[1], len(got))
	}
	if string(got[0].Data) != "evt-2" || string(got[2].Data) != "evt-4" {
		t.Fatalf("replay order wrong: %q ... %q", got[0].Data, got[2].Data)
	}
}

func TestEmptyMarkerReplaysNothing(t *testing.T) {
	l := memorylog.New(16)
	if _, err := l.Append(context.Background(), []byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := collect(t, l, ""); len(got) != 0 {
		t.Fatalf("fresh stream must start live, got %d replayed events", len(got))
	}
}

func TestEvictedMarkerIsBestEffort(t *testing.T) {
	l := memorylog.New(3)

	first, err := l.Append(context.Background(), []byte("old"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := l.Append(context.Background(), []byte(fmt.Sprintf("new-%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// The marker has been evicted; everything retained comes back.
	got := collect(t, l, first)
	if len(got) != 3 {
		t.Fatalf("want full retained window (3), got %d", len(got))
	}
	if string(got[len(got)-1].Data) != "new-3" {
		t.Fatalf("last replayed event wrong: %q", got[len(got)-1].Data)
	}
}

func TestCappedRetention(t *testing.T) {
	l := memorylog.New(2)
	for i := 0; i < 10; i++ {
		if _, err := l.Append(context.Background(), []byte(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got := collect(t, l, "unknown-marker")
	if len(got) != 2 {
		t.Fatalf("capacity 2 must retain 2 events, got %d", len(got))
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	l := memorylog.New(4)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := l.Append(context.Background(), []byte("x")); err == nil {
		t.Fatalf("append after close must fail")
	}
}
