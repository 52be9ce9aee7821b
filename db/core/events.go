package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/InsulaLabs/drive/db/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
	sendBufferSize = 256                 // Buffer size for the send channel.
)

// A subscriber to the change feed
type eventSession struct {
	conn *websocket.Conn
	// Buffered channel of outbound messages.
	send    chan []byte
	service *Core
}

// publish queues a change event. It never blocks the write path; when the
// channel is full the event is dropped and logged.
func (c *Core) publish(op models.EventOp, kind models.RecordKind, recordID uint64) {
	event := models.Event{
		ID:        uuid.NewString(),
		Op:        op,
		Kind:      kind,
		RecordID:  recordID,
		EmittedAt: time.Now().UTC(),
	}
	select {
	case c.eventCh <- event:
		c.logger.Debug("Event placed on service event channel", "op", op, "kind", kind, "record_id", recordID)
	default:
		c.logger.Warn("Service event channel full, event dropped", "op", op, "kind", kind, "record_id", recordID)
	}
}

func (c *Core) eventProcessingLoop() {
	for {
		select {
		case <-c.appCtx.Done():
			c.logger.Info("Event processing loop stopping")
			return
		case event := <-c.eventCh:
			c.dispatchEvent(event)
		}
	}
}

// eventSubscribeHandler upgrades the request and registers a change feed subscriber.
func (c *Core) eventSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	c.wsConnectionLock.Lock()
	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.wsConnectionLock.Unlock()
		c.logger.Warn("Max WebSocket connections reached, rejecting new connection", "current", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	// Incrementing will be done in registerSubscriber after successful upgrade
	c.wsConnectionLock.Unlock()

	conn, err := c.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}
	c.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String())

	session := &eventSession{
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		service: c,
	}

	if !c.registerSubscriber(session) {
		return
	}

	go session.writePump()
	go session.readPump()
}

func (c *Core) registerSubscriber(session *eventSession) bool {
	c.eventSubscribersLock.Lock()
	defer c.eventSubscribersLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.logger.Error("Attempted to register subscriber when max connections already met or exceeded", "active", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		go session.conn.Close()
		return false
	}
	c.activeWsConnections++
	c.eventSubscribers[session] = true

	c.logger.Info("Subscriber registered", "remote_addr", session.conn.RemoteAddr().String(), "active", c.activeWsConnections)
	return true
}

func (c *Core) unregisterSubscriber(session *eventSession) {
	c.eventSubscribersLock.Lock()
	defer c.eventSubscribersLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	if _, ok := c.eventSubscribers[session]; !ok {
		return
	}
	delete(c.eventSubscribers, session)

	if c.activeWsConnections > 0 {
		c.activeWsConnections--
	} else {
		c.logger.Warn("Attempted to decrement active WebSocket connections below zero")
	}
	c.logger.Info("Subscriber unregistered", "remote_addr", session.conn.RemoteAddr().String(), "active", c.activeWsConnections)
	close(session.send)
}

func (c *Core) subscriberCount() int {
	c.eventSubscribersLock.RLock()
	defer c.eventSubscribersLock.RUnlock()
	return len(c.eventSubscribers)
}

func (c *Core) dispatchEvent(event models.Event) {
	c.eventSubscribersLock.RLock()
	defer c.eventSubscribersLock.RUnlock()

	if len(c.eventSubscribers) == 0 {
		return
	}

	message, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("Failed to marshal event for WebSocket dispatch", "event_id", event.ID, "error", err)
		return
	}
	for session := range c.eventSubscribers {
		select {
		case session.send <- message:
		default:
			c.logger.Warn("Subscriber send channel full, message dropped", "event_id", event.ID, "remote_addr", session.conn.RemoteAddr())
		}
	}
}

// readPump only exists to notice the peer going away and to answer pongs.
// Anything the client sends is discarded.
func (s *eventSession) readPump() {
	defer func() {
		s.service.unregisterSubscriber(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.service.logger.Error("WebSocket read error", "remote_addr", s.conn.RemoteAddr(), "error", err)
			} else {
				s.service.logger.Debug("WebSocket connection closed", "remote_addr", s.conn.RemoteAddr(), "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (s *eventSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.service.logger.Error("WebSocket message write error", "remote_addr", s.conn.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.service.logger.Error("WebSocket ping write error", "remote_addr", s.conn.RemoteAddr(), "error", err)
				return
			}
		case <-s.service.appCtx.Done():
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
