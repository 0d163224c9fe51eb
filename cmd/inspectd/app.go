package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/salat-23/item-inspect/pkg/bot"
	"github.com/salat-23/item-inspect/pkg/cluster"
	"github.com/salat-23/item-inspect/pkg/config"
	"github.com/salat-23/item-inspect/pkg/counters"
	"github.com/salat-23/item-inspect/pkg/currency"
	"github.com/salat-23/item-inspect/pkg/errs"
	"github.com/salat-23/item-inspect/pkg/gamedata"
	"github.com/salat-23/item-inspect/pkg/httpapi"
	"github.com/salat-23/item-inspect/pkg/job"
	"github.com/salat-23/item-inspect/pkg/observability"
	"github.com/salat-23/item-inspect/pkg/postgres"
	"github.com/salat-23/item-inspect/pkg/queue"
	"github.com/salat-23/item-inspect/pkg/telemetry"
)

// run is the main entry point after CLI parsing. The same binary plays two
// roles: without a sibling id in the environment it is the supervisor that
// forks the fleet; with one it is a sibling serving its account partition.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.AccountsPath != "" {
		cfg.AccountsFile = opts.AccountsPath
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, isSibling := cluster.SiblingID()
	if !isSibling {
		zap.L().Info("inspectd supervisor started", zap.String("app", cfg.AppName),
			zap.Int("siblings", cfg.Cluster.Count))
		if err := cluster.Supervise(ctx, cfg.Cluster.Count, zap.L()); err != nil {
			zap.L().Error("supervisor failed", zap.Error(err))
			return 1
		}
		return 0
	}
	return runSibling(ctx, cfg, id)
}

func runSibling(ctx context.Context, cfg *config.Config, id int) int {
	log := zap.L().With(zap.Int("cluster_id", id))
	log.Info("inspectd sibling started", zap.String("app", cfg.AppName))

	store, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.EnableBulkInserts, log)
	if err != nil {
		log.Error("postgres connect failed", zap.Error(err))
		return 1
	}
	defer store.Close()
	go store.Run(ctx)

	redis, err := counters.Dial(ctx, cfg.Redis.URL)
	if err != nil {
		log.Error("redis connect failed", zap.Error(err))
		return 1
	}
	defer func() { _ = redis.Close() }()

	catalog, err := gamedata.Load(cfg.GameData.Path, log)
	if err != nil {
		log.Error("game data load failed", zap.Error(err))
		return 1
	}
	if cfg.GameData.EnableUpdates {
		catalog.Run(ctx, time.Duration(cfg.GameData.UpdateIntervalMin)*time.Minute)
	}

	conv := currency.New(redis, log)
	conv.Run(ctx, time.Hour)

	ctrl := bot.NewController(bot.WSDialer{}, log)
	go loadAccounts(ctx, cfg, id, ctrl, log)

	q := queue.New(log)
	q.OnFailed(func(t *queue.Task, err error) {
		log.Warn("lookup abandoned", zap.String("link", t.Entry.Link.String()),
			zap.Int("attempts", t.Attempts), zap.Error(err))
		t.Job.SetResponse(t.Entry.Link.A, job.Outcome{Err: errs.TTLExceeded})
	})
	q.Process(ctx, cfg.BotShare(), ctrl, resolveHandler(ctrl, store, catalog, log))

	aggr := telemetry.New(redis, ctrl, q, id, id == 1, log)
	aggr.Run(ctx)

	srv := httpapi.NewServer(httpapi.Options{
		TrustProxy:          cfg.HTTP.TrustProxy,
		AllowedOrigins:      cfg.HTTP.AllowedOrigins,
		AllowedRegexOrigins: cfg.HTTP.AllowedRegexOrigins,
		BulkKey:             cfg.HTTP.BulkKey,
		MaxSimultaneous:     cfg.Queue.MaxSimultaneousRequests,
		MaxQueueSize:        cfg.Queue.MaxQueueSize,
		MaxAttempts:         cfg.Bots.Settings.MaxAttempts,
		RequestTimeout:      cfg.RequestTimeout(),
		RateLimitEnable:     cfg.HTTP.RateLimit.Enable,
		RateLimitWindow:     time.Duration(cfg.HTTP.RateLimit.WindowMS) * time.Millisecond,
		RateLimitMax:        cfg.HTTP.RateLimit.Max,
	}, q, ctrl, store, catalog, aggr, conv, log)

	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.ListenAndServe(ctx, cfg.HTTP.Port) }()
	log.Info("http listener started", zap.Int("port", cfg.HTTP.Port))

	cluster.StartHealthWatch(ctx, ctrl, cfg.BotShare(), cfg.Cluster.MinReadyFraction,
		time.Duration(cfg.Cluster.GraceSec)*time.Second, log, os.Exit)
	rotation := cluster.ScheduleRotation(
		time.Duration(cfg.Cluster.LifeHours*float64(time.Hour)),
		time.Duration(cfg.Cluster.StaggerMinutes)*time.Minute,
		id, log, os.Exit)
	defer rotation.Stop()

	select {
	case err := <-httpErr:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
			return 1
		}
	case <-ctx.Done():
	}
	log.Info("inspectd sibling stopping")
	return 0
}

// loadAccounts logs this sibling's account partition in, delayed by the
// sibling index and paced between logins so the fleet never storms the
// backend at once.
func loadAccounts(ctx context.Context, cfg *config.Config, id int, ctrl *bot.Controller, log *zap.Logger) {
	startupDelay := time.Duration((id-1)*cfg.Cluster.StartupDelaySec) * time.Second
	if startupDelay > 0 {
		log.Info("delaying account login", zap.Duration("delay", startupDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(startupDelay):
		}
	}

	lines, err := readAccountLines(cfg.AccountsFile)
	if err != nil {
		log.Error("account list unreadable", zap.String("path", cfg.AccountsFile), zap.Error(err))
		return
	}
	part := cluster.PartitionAccounts(lines, cfg.Bots.Count, cfg.Cluster.Count, id)
	log.Info("loading account partition", zap.Int("accounts", len(part)), zap.Int("total", len(lines)))

	settings := bot.Settings{
		BackendURL:     cfg.Bots.Settings.BackendURL,
		LookupTimeout:  cfg.Bots.Settings.LookupTimeout(),
		ReconnectDelay: cfg.Bots.Settings.ReconnectDelay(),
		HelloTimeout:   cfg.Bots.Settings.HelloTimeout(),
	}
	for i, line := range part {
		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			log.Warn("malformed account line, skipping", zap.Int("index", i))
			continue
		}
		cred := bot.Credential{
			User: parts[0],
			Pass: parts[1],
			// Five accounts share a session group so the backend can
			// spread them over distinct egress routes.
			SessionGroup: i / 5,
		}
		ctrl.AddBot(ctx, cred, settings)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Bots.Settings.LoginDelay()):
		}
	}
	log.Info("account partition loaded", zap.Int("accounts", len(part)))
}

func readAccountLines(path string) ([]string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// resolveHandler turns one queued task into a lookup against the bot pool,
// persists the result and stamps it onto the owning job. The returned
// delay keeps the slot busy for as long as the backend reported, pacing
// the session that served the lookup.
func resolveHandler(ctrl *bot.Controller, store *postgres.Store, catalog *gamedata.Catalog, log *zap.Logger) queue.Handler {
	return func(ctx context.Context, t *queue.Task) (time.Duration, error) {
		data, err := ctrl.Lookup(ctx, t.Entry.Link)
		if err != nil {
			return 0, err
		}
		it := data.ItemInfo
		it.S, it.A, it.D, it.M = t.Entry.Link.S, t.Entry.Link.A, t.Entry.Link.D, t.Entry.Link.M

		if err := store.InsertItemData(ctx, &it, t.Entry.Price); err != nil {
			log.Warn("item cache write failed", zap.String("asset", it.A), zap.Error(err))
		}
		if t.Entry.Price > 0 {
			it.Price = t.Entry.Price
		}
		if rank, err := store.GetItemRank(ctx, it.A); err == nil {
			it.LowRank, it.HighRank = rank.LowRank, rank.HighRank
		} else {
			log.Debug("rank lookup failed", zap.String("asset", it.A), zap.Error(err))
		}
		catalog.AddAdditionalItemProperties(&it)

		t.Job.SetResponse(it.A, job.Outcome{Item: &it})
		return time.Duration(data.Delay) * time.Millisecond, nil
	}
}
