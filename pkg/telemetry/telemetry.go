// Package telemetry samples queue depth, concurrency and bot readiness
// into the shared cross-process counter store, and rolls the accumulated
// counters into per-second "last" slots for reporting. Pure observability;
// no request ever blocks on it.
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Counter store keys shared by all siblings.
const (
	keyRequests         = "requests"
	keyRequestsWindow   = "rqs_last"
	keyBotsOnline       = "bots_online"
	keyBotsTotal        = "bots_total"
	keyQueueSize        = "queue_size"
	keyQueueConcurrency = "queue_concurrency"
	lastSuffix          = "_last"
)

// windowLimit bounds the per-second request history, newest first.
const windowLimit = 50

// CounterStore is the cross-process counter contract (satisfied by
// counters.Client).
type CounterStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetInt(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, val any) error
	IncrBy(ctx context.Context, key string, n int64) error
	Incr(ctx context.Context, key string) error
}

// PoolStats is the readiness view of the bot controller.
type PoolStats interface {
	ReadyAmount() int
	TotalAmount() int
}

// QueueStats is the load view of the dispatch queue.
type QueueStats interface {
	Pending() int
	InFlight() int
}

// Stats is the externally reported snapshot.
type Stats struct {
	BotsOnline       int64   `json:"bots_online"`
	BotsTotal        int64   `json:"bots_total"`
	QueueSize        int64   `json:"queue_size"`
	QueueConcurrency int64   `json:"queue_concurrency"`
	Requests         []int64 `json:"requests"`
	AvgTPS           float64 `json:"avgTPS"`
	ClusterID        int     `json:"cluster_id"`
}

// Aggregator owns the sampling and rollup loops for one sibling.
type Aggregator struct {
	store     CounterStore
	pool      PoolStats
	queue     QueueStats
	clusterID int
	rollup    bool
	log       *zap.Logger
}

// New builds an aggregator. rollup must be true on exactly one sibling of
// the deployment; that sibling owns the once-per-window counter swap.
func New(store CounterStore, pool PoolStats, queue QueueStats, clusterID int, rollup bool, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		store:     store,
		pool:      pool,
		queue:     queue,
		clusterID: clusterID,
		rollup:    rollup,
		log:       log,
	}
}

// Run starts the loops and returns. They stop when ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	go a.sampleLoop(ctx)
	if a.rollup {
		go a.rollupLoop(ctx)
	}
}

// IncrRequests bumps the shared request counter for the current window.
func (a *Aggregator) IncrRequests(ctx context.Context) {
	if err := a.store.Incr(ctx, keyRequests); err != nil {
		a.log.Debug("requests incr failed", zap.Error(err))
	}
}

func (a *Aggregator) sampleLoop(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			// Skew samples away from the rollup tick so every sibling
			// lands inside the window being accumulated.
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			a.sample(ctx)
		}
	}
}

func (a *Aggregator) sample(ctx context.Context) {
	for _, c := range []struct {
		key string
		val int64
	}{
		{keyBotsOnline, int64(a.pool.ReadyAmount())},
		{keyBotsTotal, int64(a.pool.TotalAmount())},
		{keyQueueSize, int64(a.queue.Pending())},
		{keyQueueConcurrency, int64(a.queue.InFlight())},
	} {
		if err := a.store.IncrBy(ctx, c.key, c.val); err != nil {
			a.log.Debug("sample incr failed", zap.String("key", c.key), zap.Error(err))
			return
		}
	}
}

func (a *Aggregator) rollupLoop(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			a.rollupOnce(ctx)
		}
	}
}

// rollupOnce swaps every accumulated counter into its _last slot, resets
// the accumulator, and pushes the window's request count onto the bounded
// history.
func (a *Aggregator) rollupOnce(ctx context.Context) {
	requests, err := a.store.GetInt(ctx, keyRequests)
	if err != nil {
		a.log.Debug("rollup read failed", zap.Error(err))
		return
	}
	_ = a.store.Set(ctx, keyRequests, 0)

	for _, key := range []string{keyBotsOnline, keyBotsTotal, keyQueueSize, keyQueueConcurrency} {
		v, err := a.store.GetInt(ctx, key)
		if err != nil {
			continue
		}
		_ = a.store.Set(ctx, key, 0)
		_ = a.store.Set(ctx, key+lastSuffix, v)
	}

	raw, err := a.store.Get(ctx, keyRequestsWindow)
	if err != nil {
		return
	}
	var window []int64
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &window); err != nil {
			window = nil
		}
	}
	window = append([]int64{requests}, window...)
	if len(window) > windowLimit {
		window = window[:windowLimit]
	}
	buf, _ := json.Marshal(window)
	_ = a.store.Set(ctx, keyRequestsWindow, string(buf))
}

// Stats reads the last completed window for the /stats endpoint.
func (a *Aggregator) Stats(ctx context.Context) (Stats, error) {
	s := Stats{ClusterID: a.clusterID}
	var err error
	if s.BotsOnline, err = a.store.GetInt(ctx, keyBotsOnline+lastSuffix); err != nil {
		return s, err
	}
	if s.BotsTotal, err = a.store.GetInt(ctx, keyBotsTotal+lastSuffix); err != nil {
		return s, err
	}
	if s.QueueSize, err = a.store.GetInt(ctx, keyQueueSize+lastSuffix); err != nil {
		return s, err
	}
	if s.QueueConcurrency, err = a.store.GetInt(ctx, keyQueueConcurrency+lastSuffix); err != nil {
		return s, err
	}

	raw, err := a.store.Get(ctx, keyRequestsWindow)
	if err != nil {
		return s, err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Requests); err != nil {
			s.Requests = nil
		}
	}
	if len(s.Requests) > 0 {
		var sum int64
		for _, n := range s.Requests {
			sum += n
		}
		s.AvgTPS = float64(sum) / float64(len(s.Requests))
	}
	return s, nil
}
