package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/salat-23/item-inspect/pkg/errs"
	"github.com/salat-23/item-inspect/pkg/inspect"
	"github.com/salat-23/item-inspect/pkg/job"
)

var digitsRe = regexp.MustCompile(`^\d+$`)

type inspectBody struct {
	URL      string `json:"url"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

type bulkBody struct {
	BulkKey string `json:"bulk_key"`
	Links   []struct {
		Link  string `json:"link"`
		Price string `json:"price"`
	} `json:"links"`
}

// handleInspect serves single lookups on / and /float, GET or POST.
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		errs.BadParams.Respond(w)
		return
	}
	s.stats.IncrRequests(r.Context())

	q := r.URL.Query()
	rawURL := q.Get("url")
	rawPrice := q.Get("price")
	rawCurrency := q.Get("currency")

	if r.Method == http.MethodPost {
		var body inspectBody
		// An absent body is not an error; the query values still apply.
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil && err != io.EOF {
			errs.BadBody.Respond(w)
			return
		}
		if body.URL != "" {
			rawURL = body.URL
		}
		if body.Price != "" {
			rawPrice = body.Price
		}
		if body.Currency != "" {
			rawCurrency = body.Currency
		}
	}

	var (
		link inspect.Link
		err  error
	)
	if rawURL != "" {
		link, err = inspect.Parse(rawURL)
	} else {
		link, err = inspect.FromParams(q.Get("s"), q.Get("a"), q.Get("d"), q.Get("m"))
	}
	if err != nil {
		errs.InvalidInspect.Respond(w)
		return
	}

	j := job.New(s.clientKey(r), false)
	j.Add(link, s.submittedPrice(link, rawPrice, rawCurrency))
	s.handleJob(r.Context(), j)
	s.awaitAndWrite(w, r, j)
}

// handleBulk serves authenticated batch lookups.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	s.stats.IncrRequests(r.Context())

	var body bulkBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		errs.BadBody.Respond(w)
		return
	}
	if s.opts.BulkKey != "" && body.BulkKey != s.opts.BulkKey {
		errs.BadSecret.Respond(w)
		return
	}
	if len(body.Links) == 0 {
		errs.BadBody.Respond(w)
		return
	}
	if s.opts.MaxSimultaneous > 0 && len(body.Links) > s.opts.MaxSimultaneous {
		errs.MaxRequests.Respond(w)
		return
	}

	j := job.New(s.clientKey(r), true)
	for _, bl := range body.Links {
		link, err := inspect.Parse(bl.Link)
		if err != nil {
			errs.InvalidInspect.Respond(w)
			return
		}
		j.Add(link, s.submittedPrice(link, bl.Price, ""))
	}
	s.handleJob(r.Context(), j)
	s.awaitAndWrite(w, r, j)
}

const statsCacheKey = "stats"

// handleStats serves cluster telemetry, cached for one second so hot
// polling never amplifies into redis traffic.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if raw, ok := s.cache.Get(statsCacheKey); ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}
	st, err := s.stats.Stats(r.Context())
	if err != nil {
		s.log.Warn("stats fetch failed", zap.Error(err))
		errs.GenericBad.Respond(w)
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		errs.GenericBad.Respond(w)
		return
	}
	s.cache.Set(statsCacheKey, raw, time.Second)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// submittedPrice validates a client-submitted price. Prices are only
// accepted alongside market listing links; anything else yields 0.
func (s *Server) submittedPrice(link inspect.Link, rawPrice, rawCurrency string) int {
	if rawPrice == "" || !link.IsMarketLink() || !digitsRe.MatchString(rawPrice) {
		return 0
	}
	price, err := strconv.Atoi(rawPrice)
	if err != nil || price <= 0 {
		return 0
	}
	if rawCurrency != "" && s.convert != nil {
		code, err := strconv.Atoi(rawCurrency)
		if err != nil {
			return 0
		}
		return s.convert.Convert(price, code)
	}
	return price
}

// handleJob resolves what it can from the cache, then runs admission
// control before handing the remainder to the queue.
func (s *Server) handleJob(ctx context.Context, j *job.Job) {
	remaining := j.RemainingLinks()
	ids := make([]string, 0, len(remaining))
	for _, e := range remaining {
		ids = append(ids, e.Link.A)
	}

	cached, err := s.store.GetItemData(ctx, ids)
	if err != nil {
		s.log.Warn("cache lookup failed", zap.Error(err), zap.String("job", j.TraceID()))
	}
	for _, it := range cached {
		if entry, ok := j.Entry(it.A); ok && it.Price == 0 && entry.Price > 0 {
			if err := s.store.UpdateItemPrice(ctx, it.A, entry.Price); err != nil {
				s.log.Warn("price update failed", zap.Error(err), zap.String("asset", it.A))
			} else {
				it.Price = entry.Price
			}
		}
		s.enrich.AddAdditionalItemProperties(&it)
		j.SetResponse(it.A, job.Outcome{Item: &it})
	}

	size := j.RemainingSize()
	if size == 0 {
		return
	}
	if !s.pool.HasBotOnline() {
		j.SetResponseRemaining(errs.SteamOffline)
		return
	}
	if s.opts.MaxSimultaneous > 0 && s.queue.UserQueuedAmount(j.ClientKey())+size > s.opts.MaxSimultaneous {
		j.SetResponseRemaining(errs.MaxRequests)
		return
	}
	if s.opts.MaxQueueSize > 0 && s.queue.Size()+size > s.opts.MaxQueueSize {
		j.SetResponseRemaining(errs.MaxQueueSize)
		return
	}
	s.queue.AddJob(j, s.opts.MaxAttempts)
}

// awaitAndWrite blocks until the job resolves, the request deadline
// passes, or the client goes away.
func (s *Server) awaitAndWrite(w http.ResponseWriter, r *http.Request, j *job.Job) {
	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case <-j.Done():
	case <-timer.C:
		j.SetResponseRemaining(errs.TTLExceeded)
		<-j.Done()
	case <-r.Context().Done():
		return
	}
	body, status := j.Payload()
	writeJSON(w, status, body)
}
