package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dexchart/pkg/market"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the stream client relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// CloseClientDisconnect is the close code sent when the client hangs up on purpose.
const CloseClientDisconnect = websocket.CloseNormalClosure

// defaultReadLimit caps a single inbound frame.
const defaultReadLimit = 1 << 20 // 1MB

// WSDialer opens websocket connections to the market-data feed.
type WSDialer struct {
	dialer    *websocket.Dialer
	header    http.Header
	readLimit int64
}

// NewWSDialer creates a dialer. handshakeTimeout bounds the HTTP upgrade; the
// caller's context bounds the whole dial.
func NewWSDialer(handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header:    http.Header{},
		readLimit: defaultReadLimit,
	}
}

// Dial connects to url. Failures wrap market.ErrTimeout or market.ErrNetwork.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: dial %s: %v", market.ErrTimeout, url, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", market.ErrNetwork, url, err)
	}
	conn.SetReadLimit(d.readLimit)
	return conn, nil
}

// CloseFrame builds the payload of a close control message.
func CloseFrame(code int, text string) []byte {
	return websocket.FormatCloseMessage(code, text)
}

// CloseMessageType is the websocket close frame type for WriteMessage.
const CloseMessageType = websocket.CloseMessage
