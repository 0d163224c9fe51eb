package bot

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/salat-23/item-inspect/pkg/inspect"
)

// ErrNoBotsAvailable is returned when no ready bot could take the lookup.
// The dispatch queue treats it like any other failed attempt.
var ErrNoBotsAvailable = errors.New("bot: no bots available")

// Controller registers bots at startup and hands lookups to any ready one.
// Bots are never removed; an offline bot only lowers the ready count until
// its session recovers.
type Controller struct {
	dialer Dialer
	log    *zap.Logger

	mu   sync.Mutex
	bots []*Bot
}

func NewController(dialer Dialer, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{dialer: dialer, log: log}
}

// AddBot registers a bot and starts connecting it in the background.
func (c *Controller) AddBot(ctx context.Context, cred Credential, settings Settings) {
	b := newBot(cred, settings, c.dialer, c.log)
	c.mu.Lock()
	c.bots = append(c.bots, b)
	c.mu.Unlock()
	go b.run(ctx)
}

// ReadyAmount counts bots in the ready state. Busy and reconnecting bots
// are excluded.
func (c *Controller) ReadyAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.bots {
		if b.State() == StateReady {
			n++
		}
	}
	return n
}

// OnlineAmount counts bots with a live session, busy ones included.
func (c *Controller) OnlineAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.bots {
		if s := b.State(); s == StateReady || s == StateBusy {
			n++
		}
	}
	return n
}

// TotalAmount is the number of registered bots.
func (c *Controller) TotalAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bots)
}

// HasBotOnline reports whether at least one bot is ready for a lookup.
func (c *Controller) HasBotOnline() bool { return c.ReadyAmount() > 0 }

// Lookup picks any ready bot, marks it busy and resolves the link on it.
// No stickiness: a retry may land on a different bot.
func (c *Controller) Lookup(ctx context.Context, l inspect.Link) (*ItemData, error) {
	b := c.acquire()
	if b == nil {
		return nil, ErrNoBotsAvailable
	}
	return b.lookup(ctx, l)
}

func (c *Controller) acquire() *Bot {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bots {
		if b.tryAcquire() {
			return b
		}
	}
	return nil
}
