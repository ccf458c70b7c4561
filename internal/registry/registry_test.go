package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rpckit/sessiongate/internal/registry"
	"github.com/rpckit/sessiongate/jsonrpc"
	"github.com/rpckit/sessiongate/transport"
)

// nopTransport satisfies transport.Transport for registry bookkeeping tests.
type nopTransport struct{ id string }

func (t *nopTransport) SessionID() string                               { return t.id }
func (t *nopTransport) Send(context.Context, *jsonrpc.AnyMessage) error { return nil }
func (t *nopTransport) SetHandler(transport.MessageHandler)             {}
func (t *nopTransport) Close() error                                    { return nil }
func (t *nopTransport) OnClose(func())                                  {}

func TestCreateAndGet(t *testing.T) {
	reg := registry.New()

	tr := &nopTransport{id: "s1"}
	if err := reg.Create("s1", tr); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok := reg.Get("s1")
	if !ok || got != transport.Transport(tr) {
		t.Fatalf("lookup must return the registered transport")
	}

	if err := reg.Create("s1", &nopTransport{id: "s1"}); !errors.Is(err, registry.ErrDuplicateSession) {
		t.Fatalf("duplicate create: want ErrDuplicateSession got %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	reg := registry.New()
	if err := reg.Create("s1", &nopTransport{id: "s1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	reg.Remove("s1")
	reg.Remove("s1") // absent id is a no-op
	reg.Remove("never-existed")

	if _, ok := reg.Get("s1"); ok {
		t.Fatalf("removed session must not be found")
	}
	if n := reg.Len(); n != 0 {
		t.Fatalf("len: want 0 got %d", n)
	}
}

func TestAllIsRestartableSnapshot(t *testing.T) {
	reg := registry.New()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := reg.Create(id, &nopTransport{id: id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	all := reg.All()

	count := 0
	for range all {
		count++
	}
	if count != 5 {
		t.Fatalf("first pass: want 5 got %d", count)
	}

	// Mutations after the snapshot are invisible, and iteration restarts.
	reg.Remove("s0")
	count = 0
	for id := range all {
		_ = id
		count++
	}
	if count != 5 {
		t.Fatalf("second pass over same snapshot: want 5 got %d", count)
	}

	// Early break must not poison later restarts.
	for range all {
		break
	}
	count = 0
	for range reg.All() {
		count++
	}
	if count != 4 {
		t.Fatalf("fresh snapshot after removal: want 4 got %d", count)
	}
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	reg := registry.New()

	const workers = 32
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.Create("contended", &nopTransport{id: "contended"})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, registry.ErrDuplicateSession) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("check-and-insert must admit exactly one winner, got %d", wins)
	}
}
