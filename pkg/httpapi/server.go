// Package httpapi is the request boundary: routing, CORS, rate limiting
// and admission control in front of the dispatch queue.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/salat-23/item-inspect/pkg/errs"
	"github.com/salat-23/item-inspect/pkg/item"
	"github.com/salat-23/item-inspect/pkg/job"
	"github.com/salat-23/item-inspect/pkg/memcache"
	"github.com/salat-23/item-inspect/pkg/telemetry"
)

// maxBodyBytes caps request bodies, matching the old 5mb JSON limit.
const maxBodyBytes = 5 << 20

// Dispatcher is the queue surface the handlers need.
type Dispatcher interface {
	AddJob(j *job.Job, maxAttempts int)
	UserQueuedAmount(key string) int
	Size() int
}

// Pool gates requests on bot availability.
type Pool interface {
	HasBotOnline() bool
}

// ItemStore is the cache pre-check surface.
type ItemStore interface {
	GetItemData(ctx context.Context, assetIDs []string) ([]item.Info, error)
	UpdateItemPrice(ctx context.Context, assetID string, price int) error
}

// Enricher annotates cached items before they go back to the client.
type Enricher interface {
	AddAdditionalItemProperties(it *item.Info)
}

// StatsProvider backs the /stats endpoint and the request counter.
type StatsProvider interface {
	IncrRequests(ctx context.Context)
	Stats(ctx context.Context) (telemetry.Stats, error)
}

// PriceConverter converts submitted prices into USD cents.
type PriceConverter interface {
	Convert(price, walletCode int) int
}

// Options are the request-boundary knobs.
type Options struct {
	TrustProxy          bool
	AllowedOrigins      []string
	AllowedRegexOrigins []string
	BulkKey             string
	MaxSimultaneous     int
	MaxQueueSize        int
	MaxAttempts         int
	RequestTimeout      time.Duration

	RateLimitEnable bool
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Server wires the handlers to their collaborators.
type Server struct {
	opts    Options
	queue   Dispatcher
	pool    Pool
	store   ItemStore
	enrich  Enricher
	stats   StatsProvider
	convert PriceConverter
	cache   *memcache.Cache
	log     *zap.Logger

	originRe []*regexp.Regexp

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(opts Options, q Dispatcher, pool Pool, store ItemStore, enrich Enricher, stats StatsProvider, convert PriceConverter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		opts:     opts,
		queue:    q,
		pool:     pool,
		store:    store,
		enrich:   enrich,
		stats:    stats,
		convert:  convert,
		cache:    memcache.New(time.Minute),
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, expr := range opts.AllowedRegexOrigins {
		re, err := regexp.Compile(expr)
		if err != nil {
			log.Warn("bad origin regex, skipping", zap.String("expr", expr), zap.Error(err))
			continue
		}
		s.originRe = append(s.originRe, re)
	}
	return s
}

// Handler builds the full middleware-wrapped mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bulk", s.handleBulk)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("/", s.handleInspect)
	return s.recoverPanics(s.cors(s.rateLimit(mux)))
}

// ListenAndServe blocks, shutting the listener down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// clientKey identifies the caller for admission control and rate limits.
func (s *Server) clientKey(r *http.Request) string {
	if s.opts.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panicked", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				errs.GenericBad.Respond(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(s.opts.AllowedOrigins) > 0 || len(s.originRe) > 0) {
			if s.originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET")
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	for _, re := range s.originRe {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if !s.opts.RateLimitEnable || s.opts.RateLimitMax <= 0 || s.opts.RateLimitWindow <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(s.clientKey(r)).Allow() {
			errs.RateLimited.Respond(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		every := s.opts.RateLimitWindow / time.Duration(s.opts.RateLimitMax)
		lim = rate.NewLimiter(rate.Every(every), s.opts.RateLimitMax)
		s.limiters[key] = lim
	}
	return lim
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
