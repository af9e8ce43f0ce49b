package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes the client cares about.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseAbnormal        = websocket.CloseAbnormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// ErrHandshakeRejected is returned by Dial when the server refuses the
// upgrade because of the credential (401/403).
var ErrHandshakeRejected = errors.New("ws: handshake rejected")

// CloseError is returned by Conn.ReadMessage when the peer closed the
// connection with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("ws: closed with code %d %q", e.Code, e.Reason)
}

// Transport opens duplex connections.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one live duplex connection carrying whole text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// GorillaTransport dials with gorilla/websocket.
type GorillaTransport struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewGorillaTransport returns a transport with a bounded handshake.
func NewGorillaTransport(handshakeTimeout time.Duration, insecure bool) *GorillaTransport {
	return &GorillaTransport{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecure},
		},
		Header: http.Header{"User-Agent": {"tradedesk"}},
	}
}

func (t *GorillaTransport) Dial(ctx context.Context, u string) (Conn, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	ws, resp, err := d.DialContext(ctx, u, t.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Status)
		}
		return nil, err
	}
	return &gorillaConn{ws: ws}, nil
}

type gorillaConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Close(code int, reason string) error {
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}

// BuildURL joins base and path and attaches the bearer credential as the
// token query parameter.
func BuildURL(base, path, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("ws: unsupported scheme %q", u.Scheme)
	}
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
