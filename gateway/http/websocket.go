package http

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/pkg/timestamp"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/stream"
	"github.com/jnarwell/wit-sub006/wire"
)

// Control message types.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgConfig      = "config"
	msgHeartbeat   = "heartbeat"
	msgError       = "error"
	msgData        = "data"
)

// Data frame formats.
const (
	formatBinary = "binary"
	formatJSON   = "json"
)

const maxControlMessageBytes = 64 << 10

// controlMessage is one text frame of the streaming protocol.
type controlMessage struct {
	Type         string `json:"type"`
	Subscription string `json:"subscription,omitempty"`

	// subscribe
	Name      string      `json:"name,omitempty"`
	Sensors   []uuid.UUID `json:"sensors,omitempty"`
	Groups    []uuid.UUID `json:"groups,omitempty"`
	Patterns  []string    `json:"patterns,omitempty"`
	Channels  []uint16    `json:"channels,omitempty"`
	QueueSize int         `json:"queue_size,omitempty"`

	// subscribe and config. MaxRate is the sampling-rate override in
	// readings per second per sensor; 0 removes it.
	Format  string   `json:"format,omitempty"`
	MaxRate *float64 `json:"max_rate,omitempty"`

	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Packet    json.RawMessage `json:"packet,omitempty"`
}

// minInterval converts a rate override into the minimum spacing between
// delivered readings.
func minInterval(rate float64) (time.Duration, error) {
	switch {
	case rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0):
		return 0, errors.WrapInvalid(fmt.Errorf("%w: max_rate %v", errors.ErrInvalidData, rate),
			"Gateway", "Subscribe", "validate max_rate")
	case rate == 0:
		return 0, nil
	}
	return time.Duration(float64(time.Second) / rate), nil
}

func parseFormat(f string) (binary bool, err error) {
	switch f {
	case "", formatBinary:
		return true, nil
	case formatJSON:
		return false, nil
	}
	return false, errors.WrapInvalid(fmt.Errorf("%w: format %q", errors.ErrInvalidData, f),
		"Gateway", "Subscribe", "validate format")
}

// clientSubscription is a hub subscription owned by one client.
type clientSubscription struct {
	sub    *stream.Subscription
	binary atomic.Bool
}

// wsClient holds one connected streaming client.
type wsClient struct {
	server      *Server
	conn        *websocket.Conn
	remote      string
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer

	mu   sync.Mutex
	subs map[uuid.UUID]*clientSubscription

	pumps     sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// handleWebSocket upgrades a request and serves the client until it
// disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.metrics.failure("connection_upgrade")
		s.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxControlMessageBytes)

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		server:      s,
		conn:        conn,
		remote:      r.RemoteAddr,
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[uuid.UUID]*clientSubscription),
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connections.Inc()
	}
	s.metrics.setClients(clientCount)
	s.logger.Info("Streaming client connected", "remote", c.remote, "clients", clientCount)

	s.wg.Add(1)
	go s.handleClient(c)
}

// handleClient reads control messages until the connection ends.
func (s *Server) handleClient(c *wsClient) {
	defer s.wg.Done()
	defer s.removeClient(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!c.closed.Load() {
				s.metrics.failure("read")
				s.logger.Debug("Streaming client read failed", "remote", c.remote, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.pongWait))

		if mt != websocket.TextMessage {
			c.sendError("control messages must be JSON text frames")
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.metrics.failure("malformed_control")
			c.sendError("malformed control message: " + err.Error())
			continue
		}
		s.handleControl(c, msg)
	}
}

func (s *Server) handleControl(c *wsClient, msg controlMessage) {
	switch msg.Type {
	case msgSubscribe:
		s.subscribe(c, msg)
	case msgUnsubscribe:
		cs, id, ok := c.lookup(msg.Subscription)
		if !ok {
			return
		}
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		_ = cs.sub.Close()
		c.sendControl(controlMessage{Type: msgUnsubscribe, Subscription: id.String()})
	case msgConfig:
		cs, id, ok := c.lookup(msg.Subscription)
		if !ok {
			return
		}
		if msg.Format != "" {
			binary, err := parseFormat(msg.Format)
			if err != nil {
				c.sendError(err.Error())
				return
			}
			cs.binary.Store(binary)
		}
		if msg.MaxRate != nil {
			d, err := minInterval(*msg.MaxRate)
			if err == nil {
				err = cs.sub.SetMinInterval(d)
			}
			if err != nil {
				c.sendError(err.Error())
				return
			}
		}
		c.sendControl(controlMessage{Type: msgConfig, Subscription: id.String()})
	case msgHeartbeat:
		c.sendControl(controlMessage{Type: msgHeartbeat, Timestamp: timestamp.Now()})
	case msgError:
		s.logger.Warn("Streaming client reported error", "remote", c.remote, "message", msg.Message)
	default:
		c.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) subscribe(c *wsClient, msg controlMessage) {
	binary, err := parseFormat(msg.Format)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	req := stream.Request{
		Name:      msg.Name,
		Sensors:   msg.Sensors,
		Groups:    msg.Groups,
		Patterns:  msg.Patterns,
		Channels:  msg.Channels,
		QueueSize: msg.QueueSize,
	}
	if req.Name == "" {
		req.Name = "ws:" + c.remote
	}
	if msg.MaxRate != nil {
		if req.MinInterval, err = minInterval(*msg.MaxRate); err != nil {
			c.sendError(err.Error())
			return
		}
	}

	sub, err := s.engine.Hub().Subscribe(req)
	if err != nil {
		if errors.IsFatal(err) {
			s.metrics.failure("subscribe")
		}
		c.sendError(err.Error())
		return
	}

	cs := &clientSubscription{sub: sub}
	cs.binary.Store(binary)

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = sub.Close()
		return
	}
	c.subs[sub.ID()] = cs
	c.pumps.Add(1)
	c.mu.Unlock()

	c.sendControl(controlMessage{Type: msgSubscribe, Subscription: sub.ID().String()})
	go c.pump(cs)
}

// lookup resolves a subscription id sent by the client, reporting an error
// frame when it is unknown.
func (c *wsClient) lookup(raw string) (*clientSubscription, uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		c.sendError(fmt.Sprintf("malformed subscription id %q", raw))
		return nil, uuid.Nil, false
	}
	c.mu.Lock()
	cs, ok := c.subs[id]
	c.mu.Unlock()
	if !ok {
		c.sendError(fmt.Sprintf("unknown subscription %s", id))
		return nil, uuid.Nil, false
	}
	return cs, id, true
}

// pump forwards queued readings of one subscription until it is closed.
func (c *wsClient) pump(cs *clientSubscription) {
	defer c.pumps.Done()
	for {
		r, err := cs.sub.Next(c.ctx)
		if err != nil {
			return
		}
		if err := c.sendReading(cs, r); err != nil {
			c.server.metrics.failure("write")
			c.close(websocket.CloseInternalServerErr, "write failed")
			return
		}
	}
}

// sendReading writes one reading in the subscription's format. Readings that
// cannot be encoded are dropped and counted.
func (c *wsClient) sendReading(cs *clientSubscription, r sensor.Reading) error {
	s := c.server
	if cs.binary.Load() {
		data, err := s.engine.Codec().Encode(wire.FromReading(r, s.engine.WireFlags()))
		if err != nil {
			s.metrics.failure("encode")
			s.logger.Warn("Dropping reading that cannot be encoded", "sensor_id", r.SensorID, "error", err)
			return nil
		}
		return c.write(websocket.BinaryMessage, data, formatBinary)
	}

	packet, err := json.Marshal(wire.FromReading(r, 0))
	if err != nil {
		s.metrics.failure("encode")
		s.logger.Warn("Dropping reading that cannot be encoded", "sensor_id", r.SensorID, "error", err)
		return nil
	}
	data, err := json.Marshal(controlMessage{Type: msgData, Subscription: cs.sub.ID().String(), Packet: packet})
	if err != nil {
		return nil
	}
	return c.write(websocket.TextMessage, data, formatJSON)
}

func (c *wsClient) sendControl(msg controlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.write(websocket.TextMessage, data, "control"); err != nil {
		c.close(websocket.CloseInternalServerErr, "write failed")
	}
}

func (c *wsClient) sendError(message string) {
	c.sendControl(controlMessage{Type: msgError, Message: message, Timestamp: timestamp.Now()})
}

// write sends one frame with a write deadline.
func (c *wsClient) write(messageType int, data []byte, format string) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	c.server.metrics.frameSent(format, len(data))
	return nil
}

// close sends a close frame and tears the connection down. The read loop
// then exits and removes the client.
func (c *wsClient) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// removeClient releases every subscription of a disconnected client.
func (s *Server) removeClient(c *wsClient) {
	c.close(websocket.CloseNormalClosure, "")

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uuid.UUID]*clientSubscription)
	c.mu.Unlock()
	for _, cs := range subs {
		_ = cs.sub.Close()
	}
	c.pumps.Wait()

	s.clientsMu.Lock()
	delete(s.clients, c)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.metrics.setClients(clientCount)
	s.logger.Info("Streaming client disconnected",
		"remote", c.remote, "subscriptions", len(subs), "duration", time.Since(c.connectedAt))
}

// maintainClients pings every client periodically. Clients that stop
// answering hit their read deadline and are removed by their read loop.
func (s *Server) maintainClients() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) pingClients() {
	s.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		if !c.closed.Load() {
			clients = append(clients, c)
		}
	}
	s.clientsMu.RUnlock()

	deadline := time.Now().Add(writeWait)
	for _, c := range clients {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.metrics.failure("ping")
			c.close(websocket.CloseGoingAway, "ping failed")
		}
	}
}
