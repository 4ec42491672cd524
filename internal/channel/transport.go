package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

const defaultReadLimit = 4 << 20 // task lists can exceed the library's 32KiB default

// Transport is one established duplex connection. Read is only called
// from the Manager goroutine; Write may be called concurrently with it.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer performs one handshake.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// WSDialer dials WebSocket endpoints with coder/websocket.
type WSDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d *WSDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	opts := &websocket.DialOptions{}
	if d != nil && d.HTTPClient != nil {
		opts.HTTPClient = d.HTTPClient
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: http %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	limit := int64(defaultReadLimit)
	if d != nil && d.ReadLimit > 0 {
		limit = d.ReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client closing")
}

// Endpoint builds the duplex endpoint for a server base URL, carrying the
// token as a query parameter because browsers and most WebSocket clients
// cannot set headers on the upgrade request. An http(s) base is mapped to
// ws(s) and gets the /ws/ path; a ws(s) URL is used as given.
func Endpoint(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
		u.Path = "/ws/"
	case "https":
		u.Scheme = "wss"
		u.Path = "/ws/"
	case "ws", "wss":
		if u.Path == "" {
			u.Path = "/ws/"
		}
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q: missing host", base)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
