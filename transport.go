package gatherly

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Transport opens realtime sessions. Implementations must report peer and
// handshake closes as *CloseError so the connection manager can tell normal,
// auth and transient closes apart.
type Transport interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one open session. Read blocks until a frame arrives or the
// session ends.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// ============================================================================
// WebSocket
// ============================================================================

const defaultWSReadLimit = 1 << 20

// WebSocketTransport dials baseURL + "/ws" with the tenant and token in the
// query string.
type WebSocketTransport struct {
	BaseURL    string
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewWebSocketTransport accepts http(s) or ws(s) base URLs.
func NewWebSocketTransport(baseURL string) *WebSocketTransport {
	return &WebSocketTransport{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (t *WebSocketTransport) endpoint(creds Credentials) string {
	u := strings.Replace(t.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("tenant", creds.TenantID)
	q.Set("token", creds.Token)
	return u + "/ws?" + q.Encode()
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, t.endpoint(creds), &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: t.HTTPClient,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &CloseError{HTTPStatus: resp.StatusCode, Reason: err.Error()}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultWSReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, wsCloseError(err)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return wsCloseError(err)
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func wsCloseError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	return err
}
