package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/domain"
)

const (
	clientWriteWait = 5 * time.Second
	clientSendBuf   = 32
)

var ErrClientBackpressure = errors.New("backpressure")

// Client is the endpoint's signaling transport: one websocket to the
// relay, a buffered outbound queue, and a read loop feeding frames
// into a handler.
type Client struct {
	serverURL string
	token     string

	handler func([]byte)

	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewClient(serverURL, token string) *Client {
	return &Client{
		serverURL: serverURL,
		token:     token,
		send:      make(chan []byte, clientSendBuf),
	}
}

// Bind sets the inbound frame handler. Must be called before Dial.
func (c *Client) Bind(handler func([]byte)) { c.handler = handler }

// Dial connects to the relay and starts the pumps. Returns after the
// handshake; pump lifetime is bound to ctx.
func (c *Client) Dial(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("bad server url: %w", err)
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}
	c.conn = conn
	log.Info().Str("module", "endpoint.client").Str("url", c.serverURL).Msg("signaling connected")

	ctx, cancel := context.WithCancel(ctx)
	go c.writePump(ctx)
	go c.readPump(ctx, cancel)
	return nil
}

// Send queues one signaling event. Fire-and-forget: a full queue drops
// the frame rather than blocking a state transition.
func (c *Client) Send(event string, v any) error {
	frame, err := domain.Encode(event, v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("client closed")
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrClientBackpressure
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait)); err != nil {
				log.Error().Err(err).Str("module", "endpoint.client").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "endpoint.client").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		c.Close()
		log.Info().Str("module", "endpoint.client").Msg("readPump closing")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "endpoint.client").Msg("readPump read error")
				}
				return
			}
			if c.handler != nil {
				c.handler(data)
			}
		}
	}
}
