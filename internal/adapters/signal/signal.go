package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/app"
	"github.com/ringline/ringline/internal/config"
	"github.com/ringline/ringline/internal/core"
	"github.com/ringline/ringline/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Controller upgrades signaling websockets and feeds decoded events
// into the relay.
type Controller struct {
	Relay      *app.Relay
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(relay *app.Relay, cfg *config.Config) *Controller {
	return &Controller{
		Relay:      relay,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
}

// WsConn is one live signaling connection. Implements core.Conn.
type WsConn struct {
	id       core.ConnID
	identity domain.Identity
	conn     *websocket.Conn
	send     chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) ID() core.ConnID           { return c.id }
func (c *WsConn) Identity() domain.Identity { return c.identity }

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	identity := domain.Identity(c.GetString("identity"))
	if identity == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no identity"})
		return
	}
	log.Info().Str("module", "signal").Str("identity", identity.String()).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsConn{
		id:       core.ConnID(uuid.NewString()),
		identity: identity,
		conn:     ws,
		send:     make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Relay.Connect(conn)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
