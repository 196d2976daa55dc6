package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// PushMessage is one event from the engine's push channel. Data is kept raw;
// consumers decode only the message types they care about.
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ProgressData is the payload of "progress" push messages.
type ProgressData struct {
	TicketID string `json:"prompt_id"`
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	Node     string `json:"node"`
}

// ExecutingData is the payload of "executing" push messages.
type ExecutingData struct {
	TicketID string  `json:"prompt_id"`
	Node     *string `json:"node"` // nil signals end of execution
}

// PushConn is a live push-event subscription scoped by client id.
type PushConn struct {
	conn   *websocket.Conn
	events chan PushMessage

	closeOnce sync.Once
}

// ConnectPush opens the engine's push channel. Callers must treat failure as
// non-fatal and fall back to polling.
func (c *Client) ConnectPush(ctx context.Context, clientID string) (*PushConn, error) {
	wsURL, err := c.pushURL(clientID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("engine push connect failed: %w", err)
	}

	p := &PushConn{
		conn:   conn,
		events: make(chan PushMessage, 64),
	}
	go p.readLoop()
	return p, nil
}

func (c *Client) pushURL(clientID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("bad engine base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String(), nil
}

// Events returns the message stream. The channel is closed when the
// connection drops or Close is called.
func (p *PushConn) Events() <-chan PushMessage {
	return p.events
}

func (p *PushConn) Close() {
	p.closeOnce.Do(func() {
		p.conn.Close()
	})
}

func (p *PushConn) readLoop() {
	defer close(p.events)
	defer p.Close()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg PushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // Binary preview frames and other noise.
		}
		if msg.Type == "" {
			continue
		}
		select {
		case p.events <- msg:
		default:
			// Drop rather than stall the socket; the poll loop still
			// observes completion.
		}
	}
}
