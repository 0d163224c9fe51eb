// Package errs defines the typed errors returned to API clients.
package errs

import (
	"encoding/json"
	"net/http"
)

// Error is a client-visible failure with a stable numeric code. It is safe
// to share instances; they are never mutated after construction.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
	Status  int    `json:"status"`
}

func (e *Error) Error() string { return e.Message }

// Respond writes the error as a JSON body with its HTTP status.
func (e *Error) Respond(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}

var (
	BadParams      = &Error{Code: 1, Message: "Improper Parameter Structure", Status: http.StatusBadRequest}
	InvalidInspect = &Error{Code: 2, Message: "Invalid Inspect Link Structure", Status: http.StatusBadRequest}
	MaxRequests    = &Error{Code: 3, Message: "You may only have one pending request at a time", Status: http.StatusBadRequest}
	TTLExceeded    = &Error{Code: 4, Message: "Valve's servers didn't reply in time", Status: http.StatusInternalServerError}
	SteamOffline   = &Error{Code: 5, Message: "Valve's servers appear to be offline, please try again later!", Status: http.StatusServiceUnavailable}
	GenericBad     = &Error{Code: 6, Message: "Something went wrong on our end, please try again", Status: http.StatusInternalServerError}
	BadBody        = &Error{Code: 7, Message: "Improper body format", Status: http.StatusBadRequest}
	BadSecret      = &Error{Code: 8, Message: "Bad Secret", Status: http.StatusBadRequest}
	MaxQueueSize   = &Error{Code: 9, Message: "Queue size is full, please try again later", Status: http.StatusInternalServerError}
	RateLimited    = &Error{Code: 10, Message: "Rate limit exceeded, too many requests", Status: http.StatusTooManyRequests}
)
