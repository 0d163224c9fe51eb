// Package job models one client request and aggregates its per-item
// responses.
package job

import (
	"sync"

	"github.com/google/uuid"

	"github.com/salat-23/item-inspect/pkg/errs"
	"github.com/salat-23/item-inspect/pkg/inspect"
	"github.com/salat-23/item-inspect/pkg/item"
)

// Outcome is the terminal result for one asset id: either a resolved item
// or a typed error, never both.
type Outcome struct {
	Item *item.Info
	Err  *errs.Error
}

// Entry is one requested link plus the optional client-submitted price in
// cents (0 means none).
type Entry struct {
	Link  inspect.Link
	Price int
}

// Job accumulates responses for a single or bulk request. Each asset id
// receives at most one outcome; the first writer wins so a stale retry can
// never overwrite a result the client may already have seen. Done() is
// closed exactly once, when every entry has an outcome.
type Job struct {
	mu        sync.Mutex
	entries   []Entry
	responses map[string]Outcome
	bulk      bool
	clientKey string
	traceID   string
	done      chan struct{}
	completed bool
}

func New(clientKey string, bulk bool) *Job {
	return &Job{
		responses: make(map[string]Outcome),
		bulk:      bulk,
		clientKey: clientKey,
		traceID:   uuid.NewString(),
		done:      make(chan struct{}),
	}
}

func (j *Job) Bulk() bool        { return j.bulk }
func (j *Job) ClientKey() string { return j.clientKey }
func (j *Job) TraceID() string   { return j.traceID }

// Add appends a link. Links repeating an already-added asset id are
// dropped; two links are the same logical request iff the asset id matches.
func (j *Job) Add(link inspect.Link, price int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.Link.A == link.A {
			return
		}
	}
	j.entries = append(j.entries, Entry{Link: link, Price: price})
}

// Entry returns the entry for an asset id.
func (j *Job) Entry(assetID string) (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.Link.A == assetID {
			return e, true
		}
	}
	return Entry{}, false
}

// SetResponse records the outcome for one asset id. Asset ids that were
// never requested, and ids that already have an outcome, are ignored.
func (j *Job) SetResponse(assetID string, oc Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.owns(assetID) {
		return
	}
	if _, dup := j.responses[assetID]; dup {
		return
	}
	j.responses[assetID] = oc
	j.maybeComplete()
}

// SetResponseRemaining stamps every entry without an outcome with err.
func (j *Job) SetResponseRemaining(err *errs.Error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if _, ok := j.responses[e.Link.A]; !ok {
			j.responses[e.Link.A] = Outcome{Err: err}
		}
	}
	j.maybeComplete()
}

// RemainingSize counts entries with no outcome yet.
func (j *Job) RemainingSize() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries) - len(j.responses)
}

// RemainingLinks lists entries with no outcome yet, in insertion order.
func (j *Job) RemainingLinks() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Entry
	for _, e := range j.entries {
		if _, ok := j.responses[e.Link.A]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// Done is closed once every entry has an outcome.
func (j *Job) Done() <-chan struct{} { return j.done }

// Payload composes the client response body and HTTP status. For single
// jobs the one outcome decides both; bulk jobs always answer 200 with a
// per-asset-id map carrying either the item or the error object.
func (j *Job) Payload() (any, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.bulk {
		if len(j.entries) == 0 {
			return errs.InvalidInspect, errs.InvalidInspect.Status
		}
		oc := j.responses[j.entries[0].Link.A]
		if oc.Err != nil {
			return oc.Err, oc.Err.Status
		}
		return map[string]*item.Info{"iteminfo": oc.Item}, 200
	}
	out := make(map[string]any, len(j.entries))
	for _, e := range j.entries {
		oc, ok := j.responses[e.Link.A]
		switch {
		case !ok:
			out[e.Link.A] = errs.GenericBad
		case oc.Err != nil:
			out[e.Link.A] = oc.Err
		default:
			out[e.Link.A] = oc.Item
		}
	}
	return out, 200
}

func (j *Job) owns(assetID string) bool {
	for _, e := range j.entries {
		if e.Link.A == assetID {
			return true
		}
	}
	return false
}

// maybeComplete closes done once. Caller holds mu.
func (j *Job) maybeComplete() {
	if j.completed || len(j.entries) == 0 || len(j.responses) < len(j.entries) {
		return
	}
	j.completed = true
	close(j.done)
}
