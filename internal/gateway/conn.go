package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/internal/service"
	"github.com/moy-bank/support-gateway/pkg/logger"
	"github.com/moy-bank/support-gateway/pkg/metrics"
)

type state int

const (
	stateConnecting state = iota
	stateAuthenticated
	stateRoomAssigned
	stateActive
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateRoomAssigned:
		return "room_assigned"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type closeRequest struct {
	code   websocket.StatusCode
	reason string
}

// Conn is one authenticated websocket connection.
type Conn struct {
	id       string
	server   *Server
	ws       *websocket.Conn
	identity model.Identity
	log      *logger.Logger

	send       chan []byte
	closeReq   chan closeRequest
	closeOnce  sync.Once
	writerDone chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	// Owned by the read loop.
	state state
	rooms []string // in join order, most recent last
}

func newConn(s *Server, ws *websocket.Conn, identity model.Identity) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := newConnID()
	return &Conn{
		id:         id,
		server:     s,
		ws:         ws,
		identity:   identity,
		log:        s.logger.WithConnection(id, identity.SubjectID, string(identity.Role)),
		send:       make(chan []byte, s.cfg.SendBuffer),
		closeReq:   make(chan closeRequest, 1),
		writerDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		state:      stateConnecting,
	}
}

// Deliver implements room.Member. It never blocks; a connection that cannot
// keep up is closed.
func (c *Conn) Deliver(ev model.Event) bool {
	if c.ctx.Err() != nil {
		return false
	}

	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("Failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("Outbound buffer full, closing connection", zap.Int("buffer", cap(c.send)))
		c.requestClose(websocket.StatusTryAgainLater, "slow consumer")
		return false
	}
}

func (c *Conn) requestClose(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeReq <- closeRequest{code: code, reason: reason}
	})
}

func (c *Conn) run() {
	role := string(c.identity.Role)
	metrics.IncrementConnections(role)
	defer metrics.DecrementConnections(role)

	c.state = stateAuthenticated
	c.log.Info("Connection authenticated")

	ready := &model.ReadyEvent{SubjectID: c.identity.SubjectID, Role: c.identity.Role, Rooms: []string{}}
	if !c.identity.IsAgent() {
		ready.Rooms = []string{model.ConversationRoom(c.identity.SubjectID)}
	}
	c.Deliver(model.Event{Type: model.EventTypeReady, Ready: ready})

	// Customers are placed in their own conversation without asking.
	if !c.identity.IsAgent() {
		c.join(model.ConversationRoom(c.identity.SubjectID))
		c.state = stateActive
	}

	go c.writePump()
	c.readPump()
	c.cleanup()
}

func (c *Conn) readPump() {
	idle := time.AfterFunc(c.server.cfg.IdleTimeout, func() {
		c.log.Info("Connection idle, closing")
		c.requestClose(websocket.StatusPolicyViolation, "idle timeout")
	})
	defer idle.Stop()

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.log.Debug("Read loop ended",
				zap.Int("close_status", int(websocket.CloseStatus(err))),
				zap.Error(err),
			)
			return
		}
		idle.Reset(c.server.cfg.IdleTimeout)

		if typ != websocket.MessageText {
			c.fail(fmt.Errorf("%w: binary frames are not supported", model.ErrBadRequest))
			continue
		}
		c.handle(data)
	}
}

func (c *Conn) writePump() {
	defer close(c.writerDone)

	heartbeat := time.NewTicker(c.server.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.CloseNow()
			return
		case req := <-c.closeReq:
			_ = c.ws.Close(req.code, req.reason)
			return
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.log.Debug("Write failed", zap.Error(err))
				_ = c.ws.CloseNow()
				return
			}
		case now := <-heartbeat.C:
			data, _ := json.Marshal(model.Event{
				Type:      model.EventTypeHeartbeat,
				Heartbeat: &model.HeartbeatEvent{Timestamp: now.UTC()},
			})
			if err := c.write(data); err != nil {
				_ = c.ws.CloseNow()
				return
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.server.cfg.WriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) cleanup() {
	last := c.state
	c.state = stateClosed
	c.server.rooms.LeaveAll(c, c.rooms)
	c.rooms = nil
	c.cancel()
	<-c.writerDone
	c.log.Info("Connection closed", zap.Stringer("last_state", last))
}

func (c *Conn) handle(data []byte) {
	var ev model.ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.fail(fmt.Errorf("%w: malformed event", model.ErrBadRequest))
		return
	}

	var err error
	switch ev.Type {
	case model.ClientEventJoin:
		err = c.handleJoin(ev.Room)
	case model.ClientEventLeave:
		err = c.handleLeave(ev.Room)
	case model.ClientEventSend:
		err = c.handleSend(ev)
	default:
		err = fmt.Errorf("%w: unknown event type %q", model.ErrBadRequest, ev.Type)
	}
	if err != nil {
		c.fail(err)
	}
}

// fail reports err to this connection only.
func (c *Conn) fail(err error) {
	code := model.CodeOf(err)
	metrics.RejectionsTotal.WithLabelValues(string(code)).Inc()
	if code == model.CodeStoreUnavailable || code == model.CodeInternal {
		c.log.Warn("Client event failed", zap.String("code", string(code)), zap.Error(err))
	} else {
		c.log.Debug("Client event rejected", zap.String("code", string(code)), zap.Error(err))
	}
	c.Deliver(model.NewErrorEvent(err))
}

// resolveRoom maps a requested room to a room key this connection may use.
func (c *Conn) resolveRoom(room string) (string, error) {
	switch room {
	case model.OwnRoom:
		if c.identity.IsAgent() {
			return "", fmt.Errorf("%w: agents have no own conversation", model.ErrForbidden)
		}
		return model.ConversationRoom(c.identity.SubjectID), nil
	case model.AgentPoolRoom:
		if !c.identity.IsAgent() {
			return "", fmt.Errorf("%w: %s is for agents", model.ErrForbidden, room)
		}
		return room, nil
	}

	id, ok := model.ParseConversationRoom(room)
	if !ok || !model.ValidID(id) {
		return "", fmt.Errorf("%w: unknown room %q", model.ErrBadRequest, room)
	}
	if !c.identity.CanAccess(id) {
		return "", fmt.Errorf("%w: %s", model.ErrForbidden, room)
	}
	return room, nil
}

func (c *Conn) handleJoin(room string) error {
	key, err := c.resolveRoom(room)
	if err != nil {
		return err
	}
	c.join(key)
	c.Deliver(model.Event{Type: model.EventTypeJoined, Room: key})
	if c.state == stateRoomAssigned {
		c.state = stateActive
	}
	return nil
}

func (c *Conn) join(key string) {
	c.server.rooms.Join(c, key)
	c.forget(key)
	c.rooms = append(c.rooms, key)

	if c.state == stateAuthenticated {
		c.state = stateRoomAssigned
		c.log.Debug("Connection assigned", zap.String("room", key))
	}
}

func (c *Conn) handleLeave(room string) error {
	key, err := c.resolveRoom(room)
	if err != nil {
		return err
	}
	if !c.identity.IsAgent() {
		return fmt.Errorf("%w: customers stay in their own conversation", model.ErrForbidden)
	}

	c.server.rooms.Leave(c, key)
	c.forget(key)
	c.Deliver(model.Event{Type: model.EventTypeLeft, Room: key})
	return nil
}

func (c *Conn) forget(key string) {
	for i, r := range c.rooms {
		if r == key {
			c.rooms = append(c.rooms[:i], c.rooms[i+1:]...)
			return
		}
	}
}

func (c *Conn) joined(key string) bool {
	for _, r := range c.rooms {
		if r == key {
			return true
		}
	}
	return false
}

// conversationFor picks the conversation a send applies to. Customers always
// write to their own conversation, whatever the client asked for.
func (c *Conn) conversationFor(requested string) (string, error) {
	if !c.identity.IsAgent() {
		return c.identity.SubjectID, nil
	}

	if requested != "" {
		if c.joined(model.ConversationRoom(requested)) {
			return requested, nil
		}
		return "", fmt.Errorf("%w: not joined to conversation %s", model.ErrNoActiveConversation, requested)
	}

	for i := len(c.rooms) - 1; i >= 0; i-- {
		if id, ok := model.ParseConversationRoom(c.rooms[i]); ok {
			return id, nil
		}
	}
	return "", model.ErrNoActiveConversation
}

func (c *Conn) handleSend(ev model.ClientEvent) error {
	body, err := service.ValidateBody(ev.Body)
	if err != nil {
		return err
	}
	conversationID, err := c.conversationFor(ev.ConversationID)
	if err != nil {
		return err
	}

	_, err = c.server.sender.Send(c.ctx, c.identity, conversationID, body)
	return err
}
