package services

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"planningpoker/protocol"
)

// Client is one websocket connection. The session fields are set by a join
// message and guarded by the hub mutex.
type Client struct {
	hub    *Hub
	id     string
	socket *websocket.Conn
	send   chan []byte

	sessionID     string
	participantID string
	username      string
	isAdmin       bool
}

func (c *Client) ID() string {
	return c.id
}

// readPump reads frames until the socket fails. A dropped connection counts
// as a leave for the participant behind it.
func (c *Client) readPump() {
	defer func() {
		ctx, cancel := c.hub.opContext()
		c.hub.Leave(ctx, c)
		cancel()

		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.socket.Close()
	}()

	cfg := c.hub.config
	c.socket.SetReadLimit(cfg.MaxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		c.socket.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("connection_id", c.id).Msg("ignoring malformed frame")
			c.hub.sendError(c, "malformed message")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg protocol.Message) {
	ctx, cancel := c.hub.opContext()
	defer cancel()

	switch msg.Type {
	case protocol.TypeJoin:
		var join protocol.Join
		if err := msg.Into(&join); err != nil {
			c.hub.sendError(c, err.Error())
			return
		}
		if err := c.hub.Join(ctx, c, join); err != nil {
			log.Warn().Err(err).Str("connection_id", c.id).Str("session_id", join.SessionID).Msg("join rejected")
			c.hub.sendError(c, clientMessage(err))
		}

	case protocol.TypeLeave:
		c.hub.Leave(ctx, c)

	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := msg.Into(&hb); err != nil {
			c.hub.sendError(c, err.Error())
			return
		}
		if err := c.hub.Heartbeat(ctx, c, hb); err != nil {
			log.Warn().Err(err).Str("connection_id", c.id).Msg("heartbeat failed")
			c.hub.sendError(c, clientMessage(err))
		}

	case protocol.TypeStateChanged:
		c.hub.mutex.RLock()
		sessionID := c.sessionID
		c.hub.mutex.RUnlock()
		if sessionID == "" {
			c.hub.sendError(c, "join a session before signalling changes")
			return
		}
		c.hub.Broadcast(ctx, sessionID, protocol.TypeStateChanged, protocol.StateChanged{
			SessionID: sessionID,
			Timestamp: c.hub.clock.Now().UnixMilli(),
		}, c)

	default:
		log.Debug().Str("connection_id", c.id).Str("type", string(msg.Type)).Msg("unknown message type")
		c.hub.sendError(c, "unknown message type "+string(msg.Type))
	}
}

// clientMessage hides persistence details from remote peers.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, ErrUsernameTaken):
		return ErrUsernameTaken.Error()
	case errors.Is(err, ErrPersistence):
		return ErrPersistence.Error()
	default:
		return err.Error()
	}
}
