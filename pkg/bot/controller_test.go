package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/salat-23/item-inspect/pkg/inspect"
	"github.com/salat-23/item-inspect/pkg/item"
)

type fakeSession struct {
	inspect func(ctx context.Context, l inspect.Link) (*ItemData, error)
	closed  bool
}

func (s *fakeSession) Inspect(ctx context.Context, l inspect.Link) (*ItemData, error) {
	return s.inspect(ctx, l)
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failures int // fail this many dials before succeeding
	session  func() Session
}

func (d *fakeDialer) Dial(_ context.Context, _ Credential, _ Settings) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("handshake refused")
	}
	return d.session(), nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testSettings() Settings {
	return Settings{
		BackendURL:     "ws://backend.invalid/session",
		LookupTimeout:  250 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		HelloTimeout:   250 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func okSession() Session {
	return &fakeSession{inspect: func(_ context.Context, l inspect.Link) (*ItemData, error) {
		return &ItemData{ItemInfo: item.Info{A: l.A, PaintWear: 0.07}, Delay: 0}, nil
	}}
}

func TestBotBecomesReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewController(&fakeDialer{session: okSession}, nil)
	if c.HasBotOnline() {
		t.Fatalf("controller online before any bot added")
	}
	c.AddBot(ctx, Credential{User: "acc1"}, testSettings())
	waitFor(t, c.HasBotOnline, "bot to come online")
	if got := c.TotalAmount(); got != 1 {
		t.Fatalf("total = %d, want 1", got)
	}
}

func TestDialFailuresRetryUntilReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &fakeDialer{failures: 2, session: okSession}
	c := NewController(d, nil)
	c.AddBot(ctx, Credential{User: "acc1"}, testSettings())

	waitFor(t, c.HasBotOnline, "bot to recover from dial failures")
	if d.dialCount() < 3 {
		t.Fatalf("dials = %d, want >= 3", d.dialCount())
	}
}

func TestLookupSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewController(&fakeDialer{session: okSession}, nil)
	c.AddBot(ctx, Credential{User: "acc1"}, testSettings())
	waitFor(t, c.HasBotOnline, "bot online")

	data, err := c.Lookup(ctx, inspect.Link{S: "1", A: "77", D: "2"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if data.ItemInfo.A != "77" {
		t.Fatalf("asset id = %q, want 77", data.ItemInfo.A)
	}
	waitFor(t, func() bool { return c.ReadyAmount() == 1 }, "bot released after lookup")
}

func TestLookupIsExclusive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	sess := &fakeSession{inspect: func(_ context.Context, l inspect.Link) (*ItemData, error) {
		<-block
		return &ItemData{ItemInfo: item.Info{A: l.A}}, nil
	}}
	c := NewController(&fakeDialer{session: func() Session { return sess }}, nil)
	c.AddBot(ctx, Credential{User: "acc1"}, testSettings())
	waitFor(t, c.HasBotOnline, "bot online")

	done := make(chan struct{})
	go func() {
		_, _ = c.Lookup(ctx, inspect.Link{S: "1", A: "1", D: "2"})
		close(done)
	}()
	waitFor(t, func() bool { return c.ReadyAmount() == 0 }, "bot marked busy")

	if _, err := c.Lookup(ctx, inspect.Link{S: "1", A: "2", D: "2"}); !errors.Is(err, ErrNoBotsAvailable) {
		t.Fatalf("second lookup err = %v, want ErrNoBotsAvailable", err)
	}
	close(block)
	<-done
}

func TestSessionLossReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &fakeDialer{session: func() Session {
		return &fakeSession{inspect: func(_ context.Context, _ inspect.Link) (*ItemData, error) {
			return nil, fmt.Errorf("%w: connection reset", ErrSessionLost)
		}}
	}}
	c := NewController(d, nil)
	c.AddBot(ctx, Credential{User: "acc1"}, testSettings())
	waitFor(t, c.HasBotOnline, "bot online")

	before := d.dialCount()
	if _, err := c.Lookup(ctx, inspect.Link{S: "1", A: "1", D: "2"}); err == nil {
		t.Fatalf("expected lookup failure")
	}
	// the bot must drop the dead session and dial again
	waitFor(t, func() bool { return d.dialCount() > before }, "reconnect after session loss")
	waitFor(t, c.HasBotOnline, "bot online again")
}

func TestInBandErrorKeepsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &fakeDialer{session: func() Session {
		return &fakeSession{inspect: func(_ context.Context, _ inspect.Link) (*ItemData, error) {
			return nil, errors.New("backend: item not found")
		}}
	}}
	c := NewController(d, nil)
	c.AddBot(ctx, Credential{User: "acc1"}, testSettings())
	waitFor(t, c.HasBotOnline, "bot online")

	if _, err := c.Lookup(ctx, inspect.Link{S: "1", A: "1", D: "2"}); err == nil {
		t.Fatalf("expected lookup failure")
	}
	waitFor(t, func() bool { return c.ReadyAmount() == 1 }, "bot stays ready after in-band error")
	if d.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1 (no reconnect)", d.dialCount())
	}
}
