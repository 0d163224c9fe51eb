// Package postgres is the relational cache of previously resolved items
// and their price history.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/salat-23/item-inspect/pkg/item"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
    a              text PRIMARY KEY,
    s              text NOT NULL DEFAULT '',
    d              text NOT NULL DEFAULT '',
    m              text NOT NULL DEFAULT '',
    defindex       integer NOT NULL,
    paintindex     integer NOT NULL,
    rarity         integer NOT NULL,
    quality        integer NOT NULL,
    paintseed      integer NOT NULL,
    paintwear      double precision NOT NULL,
    origin         integer NOT NULL,
    killeatervalue integer,
    customname     text NOT NULL DEFAULT '',
    stickers       jsonb NOT NULL DEFAULT '[]',
    price          integer,
    updated        timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS items_wear_idx ON items (defindex, paintindex, paintwear);

CREATE TABLE IF NOT EXISTS price_history (
    a       text NOT NULL,
    price   integer NOT NULL,
    created timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS price_history_a_idx ON price_history (a);
`

const upsertItem = `
INSERT INTO items (a, s, d, m, defindex, paintindex, rarity, quality, paintseed,
                   paintwear, origin, killeatervalue, customname, stickers, price, updated)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NULLIF($15,0),now())
ON CONFLICT (a) DO UPDATE SET
    s = EXCLUDED.s, d = EXCLUDED.d, m = EXCLUDED.m,
    stickers = EXCLUDED.stickers,
    customname = EXCLUDED.customname,
    killeatervalue = EXCLUDED.killeatervalue,
    price = COALESCE(NULLIF(EXCLUDED.price, 0), items.price),
    updated = now()
`

// Rank is the item's position in the global float leaderboards. Zero value
// means "not ranked".
type Rank struct {
	LowRank  int
	HighRank int
}

// rankCutoff bounds how deep in the leaderboard a rank is still reported.
const rankCutoff = 1000

// Store wraps a pgx connection pool. With bulk inserts enabled, writes are
// coalesced into periodic batches instead of hitting the pool one by one.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
	bulk *batcher
}

// Connect opens the pool, pings it and bootstraps the schema.
func Connect(ctx context.Context, dsn string, enableBulk bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	s := &Store{pool: pool, log: log}
	if enableBulk {
		s.bulk = newBatcher(pool, log)
	}
	return s, nil
}

// Run services the bulk-insert batcher until ctx is cancelled. No-op when
// bulk inserts are disabled.
func (s *Store) Run(ctx context.Context) {
	if s.bulk != nil {
		s.bulk.run(ctx)
	}
}

// GetItemData returns cached items for the given asset ids. Missing ids
// are simply absent from the result.
func (s *Store) GetItemData(ctx context.Context, assetIDs []string) ([]item.Info, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT a, s, d, m, defindex, paintindex, rarity, quality, paintseed,
		       paintwear, origin, killeatervalue, customname, stickers, COALESCE(price, 0)
		FROM items WHERE a = ANY($1)`, assetIDs)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	var out []item.Info
	for rows.Next() {
		var it item.Info
		var stickers []byte
		if err := rows.Scan(&it.A, &it.S, &it.D, &it.M, &it.DefIndex, &it.PaintIndex,
			&it.Rarity, &it.Quality, &it.PaintSeed, &it.PaintWear, &it.Origin,
			&it.KillEaterValue, &it.CustomName, &stickers, &it.Price); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if err := json.Unmarshal(stickers, &it.Stickers); err != nil {
			s.log.Warn("bad stickers json in cache", zap.String("a", it.A), zap.Error(err))
			it.Stickers = nil
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// InsertItemData caches one resolved item; price is in cents, 0 for none.
func (s *Store) InsertItemData(ctx context.Context, it *item.Info, price int) error {
	if s.bulk != nil {
		s.bulk.add(it, price)
		return nil
	}
	return writeItem(ctx, s.pool, it, price)
}

// UpdateItemPrice records a fresh price for an already-cached item and
// appends to its price history.
func (s *Store) UpdateItemPrice(ctx context.Context, assetID string, price int) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE items SET price = $2, updated = now() WHERE a = $1`, assetID, price); err != nil {
		return fmt.Errorf("update price: %w", err)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_history (a, price) VALUES ($1, $2)`, assetID, price)
	if err != nil {
		return fmt.Errorf("insert price history: %w", err)
	}
	return nil
}

// GetItemRank returns the item's position among all cached wears of the
// same skin, reported only within the top/bottom cutoff.
func (s *Store) GetItemRank(ctx context.Context, assetID string) (Rank, error) {
	var r Rank
	err := s.pool.QueryRow(ctx, `
		SELECT
		    (SELECT count(*) FROM items x
		     WHERE x.defindex = i.defindex AND x.paintindex = i.paintindex
		       AND x.paintwear < i.paintwear) + 1,
		    (SELECT count(*) FROM items x
		     WHERE x.defindex = i.defindex AND x.paintindex = i.paintindex
		       AND x.paintwear > i.paintwear) + 1
		FROM items i WHERE i.a = $1`, assetID).Scan(&r.LowRank, &r.HighRank)
	if err == pgx.ErrNoRows {
		return Rank{}, nil
	}
	if err != nil {
		return Rank{}, fmt.Errorf("rank query: %w", err)
	}
	if r.LowRank > rankCutoff {
		r.LowRank = 0
	}
	if r.HighRank > rankCutoff {
		r.HighRank = 0
	}
	return r, nil
}

// Close flushes nothing; pending bulk rows are dropped by design (the
// cache can always be refilled by a fresh lookup).
func (s *Store) Close() { s.pool.Close() }

func writeItem(ctx context.Context, pool *pgxpool.Pool, it *item.Info, price int) error {
	_, err := pool.Exec(ctx, upsertItem, itemArgs(it, price)...)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	if price > 0 {
		if _, err := pool.Exec(ctx,
			`INSERT INTO price_history (a, price) VALUES ($1, $2)`, it.A, price); err != nil {
			return fmt.Errorf("insert price history: %w", err)
		}
	}
	return nil
}

func itemArgs(it *item.Info, price int) []any {
	stickers, err := json.Marshal(it.Stickers)
	if err != nil || it.Stickers == nil {
		stickers = []byte("[]")
	}
	return []any{
		it.A, it.S, it.D, it.M, it.DefIndex, it.PaintIndex, it.Rarity, it.Quality,
		it.PaintSeed, it.PaintWear, it.Origin, it.KillEaterValue, it.CustomName,
		stickers, price,
	}
}

type pendingRow struct {
	item  item.Info
	price int
}

// batcher coalesces inserts into pgx batches, flushed on size or interval.
type batcher struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	ch chan pendingRow
}

const (
	batchFlushSize     = 100
	batchFlushInterval = 500 * time.Millisecond
)

func newBatcher(pool *pgxpool.Pool, log *zap.Logger) *batcher {
	return &batcher{pool: pool, log: log, ch: make(chan pendingRow, 4*batchFlushSize)}
}

func (b *batcher) add(it *item.Info, price int) {
	select {
	case b.ch <- pendingRow{item: *it, price: price}:
	default:
		// writer is behind; dropping a cache write is harmless
		b.log.Warn("bulk insert buffer full, dropping row", zap.String("a", it.A))
	}
}

func (b *batcher) run(ctx context.Context) {
	tick := time.NewTicker(batchFlushInterval)
	defer tick.Stop()
	var rows []pendingRow
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-b.ch:
			rows = append(rows, r)
			if len(rows) >= batchFlushSize {
				b.flush(ctx, rows)
				rows = nil
			}
		case <-tick.C:
			if len(rows) > 0 {
				b.flush(ctx, rows)
				rows = nil
			}
		}
	}
}

func (b *batcher) flush(ctx context.Context, rows []pendingRow) {
	batch := &pgx.Batch{}
	for i := range rows {
		batch.Queue(upsertItem, itemArgs(&rows[i].item, rows[i].price)...)
		if rows[i].price > 0 {
			batch.Queue(`INSERT INTO price_history (a, price) VALUES ($1, $2)`,
				rows[i].item.A, rows[i].price)
		}
	}
	if err := b.pool.SendBatch(ctx, batch).Close(); err != nil {
		b.log.Warn("bulk insert batch failed", zap.Int("rows", len(rows)), zap.Error(err))
	}
}
