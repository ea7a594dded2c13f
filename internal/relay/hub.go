// Package relay is a development signaling server for the classroom
// protocol: authenticated websocket channels per classroom session and per
// course, presence broadcast, targeted forwarding of negotiation frames and
// fanout of everything else.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"classroom_live/native/internal/auth"
	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/logging"
)

var log = logging.For("relay")

const (
	authTimeout  = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 256 * 1024
	sendBuffer   = 256
)

type scope string

const (
	scopeSession scope = "session"
	scopeCourse  scope = "course"
)

// HubOptions configures a Hub.
type HubOptions struct {
	Secret   string
	Store    Store
	Upgrader *websocket.Upgrader
	Now      func() time.Time
}

// Hub tracks connections per room and routes frames between them.
type Hub struct {
	secret   string
	store    Store
	upgrader websocket.Upgrader
	now      func() time.Time

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

type client struct {
	id     string
	scope  scope
	roomID string
	userID string
	// peerID is set by classroom_join; guarded by Hub.mu.
	peerID string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) roomKey() string {
	return string(c.scope) + ":" + c.roomID
}

// NewHub builds a Hub. A nil Store defaults to an in-memory one.
func NewHub(opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		secret:   opts.Secret,
		store:    store,
		upgrader: upgrader,
		now:      now,
		rooms:    make(map[string]map[*client]struct{}),
	}
}

// ServeSession handles /ws/classroom/:sessionId.
func (h *Hub) ServeSession(c *gin.Context) {
	h.serve(c, scopeSession, c.Param("sessionId"))
}

// ServeCourse handles /ws/course/:courseId.
func (h *Hub) ServeCourse(c *gin.Context) {
	h.serve(c, scopeCourse, c.Param("courseId"))
}

func (h *Hub) serve(c *gin.Context, sc scope, roomID string) {
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room id is required"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("upgrade failed: %v", err)
		return
	}
	cl := &client{
		id:     uuid.NewString(),
		scope:  sc,
		roomID: roomID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	go cl.writePump()
	go h.readPump(cl)
}

// Snapshot handles GET /api/sessions/:sessionId/state.
func (h *Hub) Snapshot(c *gin.Context) {
	sessionID := c.Param("sessionId")
	ctx := c.Request.Context()

	participants, err := h.store.Participants(ctx, sessionID)
	if err != nil {
		log.Errorf("snapshot %s: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
		return
	}
	strokes, err := h.store.Strokes(ctx, sessionID)
	if err != nil {
		log.Errorf("snapshot %s: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "strokes unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result": 0,
		"msg":    "ok",
		"data": domain.Snapshot{
			SessionID:    sessionID,
			Participants: participants,
			Strokes:      strokes,
		},
	})
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(h.now().Add(authTimeout))
	if !h.authenticate(c) {
		return
	}
	h.register(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("read from %s: %v", c.id, err)
			}
			return
		}
		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("bad payload from %s: %v", c.id, err)
			continue
		}
		if c.scope == scopeCourse {
			h.handleCourse(c, f)
		} else {
			h.handleSession(c, f)
		}
	}
}

// authenticate requires the first frame to be a valid auth frame.
func (h *Hub) authenticate(c *client) bool {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		log.Debugf("no auth from %s: %v", c.id, err)
		return false
	}
	var f domain.Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != domain.TypeAuth {
		c.sendFrame(domain.Frame{Type: domain.TypeAuthError, Error: "authentication required"})
		return false
	}
	claims, err := auth.Verify(h.secret, f.Token)
	if err != nil {
		log.Infof("rejecting %s: %v", c.id, err)
		c.sendFrame(domain.Frame{Type: domain.TypeAuthError, Error: "invalid token"})
		return false
	}
	c.userID = claims.UserID
	return true
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	members := h.rooms[c.roomKey()]
	if members == nil {
		members = make(map[*client]struct{})
		h.rooms[c.roomKey()] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	log.Infof("%s %s: %s authenticated as %s", c.scope, c.roomID, c.id, c.userID)
	c.sendFrame(domain.Frame{Type: domain.TypeAuthSuccess, UserID: c.userID})
}

func (h *Hub) unregister(c *client) {
	h.leave(c)

	h.mu.Lock()
	if members := h.rooms[c.roomKey()]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.roomKey())
		}
	}
	h.mu.Unlock()

	c.closeOnce.Do(func() { close(c.send) })
}

func (h *Hub) handleSession(c *client, f domain.Frame) {
	switch f.Type {
	case domain.TypePing, domain.TypeAuth:
	case domain.TypeClassroomJoin:
		h.join(c, f.PeerID)
	case domain.TypeClassroomLeave:
		h.leave(c)
	case domain.TypeOffer, domain.TypeAnswer, domain.TypeICECandidate:
		peerID := h.peerOf(c)
		if peerID == "" || f.TargetPeerID == "" {
			log.Warnf("dropping %s from %s: not joined or no target", f.Type, c.id)
			return
		}
		f.FromPeerID = peerID
		h.forward(c.roomKey(), f)
	case domain.TypeWhiteboardStroke:
		peerID := h.peerOf(c)
		if peerID == "" || f.StrokeData == nil {
			return
		}
		f.PeerID = peerID
		rec := domain.StrokeRecord{PeerID: peerID, Order: f.StrokeOrder, Stroke: *f.StrokeData}
		if err := h.store.AppendStroke(context.Background(), c.roomID, rec); err != nil {
			log.Errorf("store stroke for %s: %v", c.roomID, err)
		}
		h.broadcast(c.roomKey(), f, c)
	case domain.TypeWhiteboardClear:
		peerID := h.peerOf(c)
		if peerID == "" {
			return
		}
		f.PeerID = peerID
		if err := h.store.ClearStrokes(context.Background(), c.roomID); err != nil {
			log.Errorf("clear strokes for %s: %v", c.roomID, err)
		}
		h.broadcast(c.roomKey(), f, c)
	case domain.TypeMediaToggle, domain.TypeScreenShareToggle:
		peerID := h.peerOf(c)
		if peerID == "" {
			return
		}
		f.PeerID = peerID
		h.broadcast(c.roomKey(), f, c)
	case domain.TypeChatMessage:
		f.UserID = c.userID
		if f.Timestamp == "" {
			f.Timestamp = h.now().UTC().Format(time.RFC3339)
		}
		h.broadcast(c.roomKey(), f, c)
	default:
		log.Warnf("unknown message type from %s: %s", c.id, f.Type)
	}
}

func (h *Hub) handleCourse(c *client, f domain.Frame) {
	switch f.Type {
	case domain.TypePing, domain.TypeAuth:
	case domain.TypeMessageSend, domain.TypeMessageReaction:
		f.UserID = c.userID
		f.Timestamp = h.now().UTC().Format(time.RFC3339)
		h.broadcast(c.roomKey(), f, nil)
	case domain.TypeMessageTyping:
		f.UserID = c.userID
		h.broadcast(c.roomKey(), f, c)
	default:
		log.Warnf("unknown course message type from %s: %s", c.id, f.Type)
	}
}

// join records the connection's peer id and announces it to every member,
// the joiner included.
func (h *Hub) join(c *client, peerID string) {
	if peerID == "" {
		log.Warnf("join without peer id from %s", c.id)
		return
	}
	if current := h.peerOf(c); current != "" && current != peerID {
		h.leave(c)
	}

	h.mu.Lock()
	c.peerID = peerID
	h.mu.Unlock()

	ctx := context.Background()
	if err := h.store.AddPeer(ctx, c.roomID, peerID, c.userID); err != nil {
		log.Errorf("presence add %s: %v", peerID, err)
	}
	online := h.online(ctx, c.roomID)
	log.Infof("session %s: %s joined (%d online)", c.roomID, peerID, len(online))
	h.broadcast(c.roomKey(), domain.UserJoined(peerID, c.userID, online), nil)
}

// leave withdraws the connection's peer id. Presence is kept when another
// connection (a reconnect) still holds the same peer id.
func (h *Hub) leave(c *client) {
	h.mu.Lock()
	peerID := c.peerID
	c.peerID = ""
	held := false
	if peerID != "" {
		for other := range h.rooms[c.roomKey()] {
			if other != c && other.peerID == peerID {
				held = true
				break
			}
		}
	}
	h.mu.Unlock()

	if peerID == "" || held {
		return
	}
	ctx := context.Background()
	if err := h.store.RemovePeer(ctx, c.roomID, peerID); err != nil {
		log.Errorf("presence remove %s: %v", peerID, err)
	}
	online := h.online(ctx, c.roomID)
	log.Infof("session %s: %s left (%d online)", c.roomID, peerID, len(online))
	h.broadcast(c.roomKey(), domain.UserLeft(peerID, c.userID, online), c)
}

func (h *Hub) online(ctx context.Context, sessionID string) []string {
	participants, err := h.store.Participants(ctx, sessionID)
	if err != nil {
		log.Errorf("presence state %s: %v", sessionID, err)
		return nil
	}
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.PeerID)
	}
	return ids
}

func (h *Hub) peerOf(c *client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.peerID
}

func (h *Hub) forward(roomKey string, f domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Errorf("marshal %s: %v", f.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.rooms[roomKey] {
		if cl.peerID == f.TargetPeerID {
			cl.enqueue(data)
			return
		}
	}
	log.Debugf("forward %s: target %s not connected", f.Type, f.TargetPeerID)
}

// broadcast sends f to every member of the room except skip.
func (h *Hub) broadcast(roomKey string, f domain.Frame, skip *client) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Errorf("marshal %s: %v", f.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.rooms[roomKey] {
		if cl == skip {
			continue
		}
		cl.enqueue(data)
	}
}

func (c *client) sendFrame(f domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue never blocks; a full buffer drops the message.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Warnf("send buffer full for %s, dropping message", c.id)
	}
}

// writePump owns the connection's writes and its close.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debugf("write to %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
