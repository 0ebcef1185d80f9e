package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/domain"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 60 * time.Second
)

func (ctl *Controller) writePump(ctx context.Context, c *WsConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *WsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("identity", c.identity.String()).Msg("readPump closing")
		ctl.Relay.Disconnect(c)
		cancel()
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("identity", c.identity.String()).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("identity", c.identity.String()).Msg("readPump read error")
				return
			}
			ctl.handleFrame(c, data)
		}
	}
}

// routing is the minimal slice of a negotiation payload the relay is
// allowed to look at.
type routing struct {
	CallID    domain.CallID   `json:"callId"`
	Recipient domain.Identity `json:"recipientIdentity"`
}

func (ctl *Controller) handleFrame(c *WsConn, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Event {
	case domain.EventInitiate:
		var p domain.InitiatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad initiate payload")
			return
		}
		ctl.Relay.Initiate(c, p)
	case domain.EventRinging:
		var p domain.RingingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad ringing payload")
			return
		}
		ctl.Relay.MarkRinging(c, p)
	case domain.EventAccept:
		var p domain.AcceptPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad accept payload")
			return
		}
		ctl.Relay.Accept(c, p)
	case domain.EventReject:
		var p domain.RejectPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad reject payload")
			return
		}
		ctl.Relay.Reject(c, p)
	case domain.EventBusy:
		var p domain.BusyPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad busy payload")
			return
		}
		ctl.Relay.Busy(c, p)
	case domain.EventEnd:
		var p domain.EndPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad end payload")
			return
		}
		ctl.Relay.End(c, p)
	case domain.EventOffer, domain.EventAnswer, domain.EventCandidate:
		var rt routing
		if err := json.Unmarshal(env.Data, &rt); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("event", env.Event).Msg("bad routing fields")
			return
		}
		ctl.Relay.Forward(c, env.Event, rt.CallID, rt.Recipient, env.Data)
	default:
		log.Warn().Str("module", "signal").Str("event", env.Event).Msg("unknown signal")
	}
}
