package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/salat-23/item-inspect/pkg/inspect"
	"github.com/salat-23/item-inspect/pkg/item"
)

// ErrSessionLost marks transport-level failures after which the session
// stream can no longer be trusted; the bot goes offline and reconnects.
var ErrSessionLost = errors.New("bot: session lost")

// ItemData is the backend's answer to one inspect lookup. Delay is the
// backend-observed latency in milliseconds; it is stripped before the item
// reaches the client and used to pace the session that reported it.
type ItemData struct {
	ItemInfo item.Info `cbor:"iteminfo"`
	Delay    int       `cbor:"delay"`
}

// Session is one authenticated remote session capable of resolving one
// link at a time. Implementations are not safe for concurrent Inspect
// calls; the owning Bot enforces exclusivity.
type Session interface {
	Inspect(ctx context.Context, l inspect.Link) (*ItemData, error)
	Close() error
}

// Dialer establishes sessions. Swapped for a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, cred Credential, settings Settings) (Session, error)
}

type inspectRequest struct {
	S string `cbor:"s,omitempty"`
	A string `cbor:"a"`
	D string `cbor:"d"`
	M string `cbor:"m,omitempty"`
}

type inspectResponse struct {
	ItemData *ItemData `cbor:"data,omitempty"`
	Error    string    `cbor:"error,omitempty"`
}

type helloRequest struct {
	User         string `cbor:"user"`
	Pass         string `cbor:"pass"`
	SessionGroup int    `cbor:"session_group"`
}

type helloResponse struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

// WSDialer connects to the inspect backend over a websocket and speaks
// CBOR-framed request/response pairs.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, cred Credential, settings Settings) (Session, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, settings.BackendURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", settings.BackendURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s := &wsSession{conn: conn, helloTimeout: settings.HelloTimeout}
	if err := s.hello(cred); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

type wsSession struct {
	conn         *websocket.Conn
	helloTimeout time.Duration
}

func (s *wsSession) hello(cred Credential) error {
	deadline := time.Now().Add(s.helloTimeout)
	if err := s.write(deadline, helloRequest{User: cred.User, Pass: cred.Pass, SessionGroup: cred.SessionGroup}); err != nil {
		return err
	}
	var ack helloResponse
	if err := s.read(deadline, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("backend refused login for %s: %s", cred.User, ack.Error)
	}
	return nil
}

func (s *wsSession) Inspect(ctx context.Context, l inspect.Link) (*ItemData, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	req := inspectRequest{S: l.S, A: l.A, D: l.D, M: l.M}
	if err := s.write(deadline, req); err != nil {
		return nil, err
	}
	var resp inspectResponse
	if err := s.read(deadline, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		// In-band failure; the stream itself is still in sync.
		return nil, fmt.Errorf("backend: %s", resp.Error)
	}
	if resp.ItemData == nil || resp.ItemData.ItemInfo.A == "" {
		return nil, fmt.Errorf("%w: malformed inspect response", ErrSessionLost)
	}
	return resp.ItemData, nil
}

func (s *wsSession) write(deadline time.Time, v any) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	return nil
}

func (s *wsSession) read(deadline time.Time, v any) error {
	_ = s.conn.SetReadDeadline(deadline)
	_, b, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrSessionLost, err)
	}
	return nil
}

func (s *wsSession) Close() error { return s.conn.Close() }
