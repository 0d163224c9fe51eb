// Package bot owns the pool of remote inspect sessions ("bots"). Each bot
// connects independently, reconnects on its own schedule, and serves at
// most one lookup at a time.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/salat-23/item-inspect/pkg/inspect"
)

// State is a bot's lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

// Credential identifies one backend account.
type Credential struct {
	User         string
	Pass         string
	SessionGroup int
}

// Settings control session establishment and lookups.
type Settings struct {
	BackendURL     string
	LookupTimeout  time.Duration
	ReconnectDelay time.Duration
	HelloTimeout   time.Duration
}

var errNotReady = errors.New("bot: session not ready")

// Bot wraps one remote session. All state transitions happen under mu;
// the reconnect loop runs for the lifetime of the process.
type Bot struct {
	cred     Credential
	settings Settings
	dialer   Dialer
	log      *zap.Logger

	mu    sync.Mutex
	state State
	sess  Session
	lost  chan struct{}
}

func newBot(cred Credential, settings Settings, dialer Dialer, log *zap.Logger) *Bot {
	return &Bot{
		cred:     cred,
		settings: settings,
		dialer:   dialer,
		log:      log.With(zap.String("bot", cred.User)),
		state:    StateStarting,
		lost:     make(chan struct{}, 1),
	}
}

// State returns the bot's current state.
func (b *Bot) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bot) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.closeSession()
			return
		default:
		}

		b.setState(StateStarting)
		sess, err := b.dialer.Dial(ctx, b.cred, b.settings)
		if err != nil {
			b.log.Warn("session dial failed", zap.Error(err))
			b.setState(StateOffline)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.settings.ReconnectDelay):
			}
			continue
		}

		b.mu.Lock()
		b.sess = sess
		b.state = StateReady
		b.mu.Unlock()
		b.log.Info("bot ready")

		select {
		case <-ctx.Done():
			b.closeSession()
			return
		case <-b.lost:
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.settings.ReconnectDelay):
		}
	}
}

// tryAcquire transitions ready → busy. Only a successful caller may invoke
// lookup.
func (b *Bot) tryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReady {
		return false
	}
	b.state = StateBusy
	return true
}

// lookup performs one exclusive resolution. The bot returns to ready on
// completion, or goes offline when the failure indicates session loss.
func (b *Bot) lookup(ctx context.Context, l inspect.Link) (*ItemData, error) {
	lctx, cancel := context.WithTimeout(ctx, b.settings.LookupTimeout)
	defer cancel()

	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		b.markOffline()
		return nil, errNotReady
	}

	data, err := sess.Inspect(lctx, l)
	if err != nil {
		if errors.Is(err, ErrSessionLost) {
			b.log.Warn("lookup lost session", zap.Error(err))
			b.markOffline()
		} else {
			b.releaseReady()
		}
		return nil, err
	}
	b.releaseReady()
	return data, nil
}

func (b *Bot) releaseReady() {
	b.mu.Lock()
	if b.state == StateBusy {
		b.state = StateReady
	}
	b.mu.Unlock()
}

func (b *Bot) markOffline() {
	b.mu.Lock()
	b.state = StateOffline
	sess := b.sess
	b.sess = nil
	b.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	select {
	case b.lost <- struct{}{}:
	default:
	}
}

func (b *Bot) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Bot) closeSession() {
	b.mu.Lock()
	sess := b.sess
	b.sess = nil
	b.state = StateOffline
	b.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}
