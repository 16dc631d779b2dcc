package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"telemed/internal/config"
	"telemed/internal/metrics"
	"telemed/pkg/apperr"
)

// 入站事件名
const (
	InboundJoin          = "join"
	InboundLeave         = "leave"
	InboundLeaveRoom     = "leave-room"
	InboundChatMessage   = "message"
	InboundUserConnected = "user_connected"
)

const (
	writeWait         = 10 * time.Second
	maxInboundMessage = 64 << 10
	dispatchTimeout   = 10 * time.Second
)

// WebSocketMessage 出站事件信封
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// InboundMessage 入站事件信封
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type roomPayload struct {
	Room    string `json:"room"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// RoomAuthorizer 判断用户能否加入实时频道；found=false 表示该实现不认识此房间
type RoomAuthorizer interface {
	CanAccess(ctx context.Context, roomID, userID string) (found, allowed bool, err error)
}

// RoomAuthorizers 依次询问，第一个认识该房间的实现给出结论
type RoomAuthorizers []RoomAuthorizer

func (as RoomAuthorizers) CanAccess(ctx context.Context, roomID, userID string) (bool, bool, error) {
	for _, a := range as {
		found, allowed, err := a.CanAccess(ctx, roomID, userID)
		if err != nil {
			return false, false, err
		}
		if found {
			return true, allowed, nil
		}
	}
	return false, false, nil
}

// WebSocketClient 单个已认证连接
type WebSocketClient struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan WebSocketMessage
	Hub    *WebSocketHub

	rooms map[string]struct{} // 受 Hub.mutex 保护
}

// HubStats 连接统计
type HubStats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	OnlineUsers int `json:"online_users"`
}

// WebSocketHub 实时通道，实现 Relay
//
// 投递为非阻塞：发送缓冲满时丢弃该条事件并计数，不影响其余连接。
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	rooms      map[string]map[string]*WebSocketClient
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mutex      sync.RWMutex

	identity   IdentityProvider
	presence   *PresenceTracker
	chat       *ChatService
	signaling  *SignalingService
	authorizer RoomAuthorizer
	logger     *logrus.Logger

	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	pongWait   time.Duration
	sendBuffer int
}

// NewWebSocketHub 创建实时通道
func NewWebSocketHub(cfg config.WebSocketConfig, identity IdentityProvider, presence *PresenceTracker, logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	h := &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		rooms:      make(map[string]map[string]*WebSocketClient),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		identity:   identity,
		presence:   presence,
		logger:     logger,
		pingPeriod: cfg.PingPeriod,
		pongWait:   cfg.PongWait,
		sendBuffer: cfg.SendBuffer,
	}
	if h.pongWait <= 0 {
		h.pongWait = 60 * time.Second
	}
	if h.pingPeriod <= 0 || h.pingPeriod >= h.pongWait {
		h.pingPeriod = h.pongWait * 9 / 10
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = 256
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)}
	if presence != nil {
		presence.SetRelay(h)
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// SetChatService 注入聊天服务，用于处理实时 message 事件
func (h *WebSocketHub) SetChatService(chat *ChatService) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.chat = chat
}

// SetSignalingService 注入信令校验
func (h *WebSocketHub) SetSignalingService(s *SignalingService) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.signaling = s
}

// SetRoomAuthorizer 注入频道准入判断
func (h *WebSocketHub) SetRoomAuthorizer(a RoomAuthorizer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.authorizer = a
}

// Run 处理连接注册与注销，ctx 结束时关闭全部连接
func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.logger.WithFields(logrus.Fields{"conn_id": client.ID, "user_id": client.UserID}).Info("client connected")

		case client := <-h.unregister:
			if h.removeClient(client) {
				h.logger.WithFields(logrus.Fields{"conn_id": client.ID, "user_id": client.UserID}).Info("client disconnected")
			}

		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.Send)
			}
			h.rooms = make(map[string]map[string]*WebSocketClient)
			h.mutex.Unlock()
			return
		}
	}
}

// attach 在启动读写协程前登记连接；hub 已停止时返回 false
func (h *WebSocketHub) attach(c *WebSocketClient) bool {
	h.mutex.Lock()
	select {
	case <-h.done:
		h.mutex.Unlock()
		return false
	default:
	}
	h.clients[c.ID] = c
	h.mutex.Unlock()

	select {
	case h.register <- c:
	case <-h.done:
	}
	return true
}

func (h *WebSocketHub) removeClient(c *WebSocketClient) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return false
	}
	delete(h.clients, c.ID)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	close(c.Send)
	return true
}

func (h *WebSocketHub) newClient(userID string, conn *websocket.Conn) *WebSocketClient {
	return &WebSocketClient{
		ID:     "conn-" + uuid.NewString(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan WebSocketMessage, h.sendBuffer),
		Hub:    h,
		rooms:  make(map[string]struct{}),
	}
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// HandleWebSocket 认证后升级连接
func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	id, err := h.identity.Authenticate(c.Request.Context(), bearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "message": apperr.MessageOf(err)})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := h.newClient(id.UserID, conn)
	if !h.attach(client) {
		conn.Close()
		return
	}

	if h.presence != nil {
		if err := h.presence.RegisterConnection(c.Request.Context(), client.ID, client.UserID); err != nil {
			h.logger.WithError(err).WithField("user_id", client.UserID).Warn("presence registration failed")
		}
	}

	go client.writePump()
	go client.readPump()
}

func (c *WebSocketClient) readPump() {
	h := c.Hub
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		if h.presence != nil {
			h.presence.UnregisterConnection(context.Background(), c.ID)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxInboundMessage)
	c.Conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).WithField("conn_id", c.ID).Warn("websocket read error")
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(c, "", apperr.Validation("invalid message format"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		h.Dispatch(ctx, c, msg)
		cancel()
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(c.Hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.WithError(err).WithField("conn_id", c.ID).Warn("websocket write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Dispatch 处理一条入站事件；失败时仅向发送方回复 error 事件
func (h *WebSocketHub) Dispatch(ctx context.Context, c *WebSocketClient, msg InboundMessage) {
	var err error
	switch msg.Type {
	case InboundJoin:
		err = h.handleJoin(ctx, c, msg.Data)
	case InboundLeave:
		err = h.handleLeave(c, msg.Data, false)
	case InboundLeaveRoom:
		err = h.handleLeave(c, msg.Data, true)
	case SignalVideoOffer, SignalVideoAnswer, SignalICECandidate:
		err = h.handleSignal(c, msg.Type, msg.Data)
	case InboundChatMessage:
		err = h.handleChatMessage(ctx, c, msg.Data)
	case InboundUserConnected:
		err = h.handleUserConnected(ctx, c, msg.Data)
	default:
		err = apperr.Newf(apperr.CodeValidation, "unknown event %q", msg.Type)
	}
	if err != nil {
		h.sendError(c, msg.Type, err)
	}
}

func decodeRoomPayload(raw json.RawMessage) (roomPayload, error) {
	var p roomPayload
	if len(raw) == 0 {
		return p, apperr.Validation("event data is required")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, apperr.Wrap(apperr.CodeValidation, "malformed event data", err)
	}
	p.Room = strings.TrimSpace(p.Room)
	return p, nil
}

func (h *WebSocketHub) handleJoin(ctx context.Context, c *WebSocketClient, raw json.RawMessage) error {
	p, err := decodeRoomPayload(raw)
	if err != nil {
		return err
	}
	if p.Room == "" {
		return apperr.Validation("room is required")
	}

	h.mutex.RLock()
	auth := h.authorizer
	h.mutex.RUnlock()
	if auth != nil {
		found, allowed, err := auth.CanAccess(ctx, p.Room, c.UserID)
		if err != nil {
			return err
		}
		if !found || !allowed {
			return apperr.AccessDenied("Access denied")
		}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return apperr.InvalidState("connection is closed")
	}
	members, ok := h.rooms[p.Room]
	if !ok {
		members = make(map[string]*WebSocketClient)
		h.rooms[p.Room] = members
	}
	members[c.ID] = c
	c.rooms[p.Room] = struct{}{}
	h.logger.WithFields(logrus.Fields{"conn_id": c.ID, "room_id": p.Room}).Debug("joined room")
	return nil
}

func (h *WebSocketHub) handleLeave(c *WebSocketClient, raw json.RawMessage, announce bool) error {
	p, err := decodeRoomPayload(raw)
	if err != nil {
		return err
	}
	if p.Room == "" {
		return apperr.Validation("room is required")
	}
	h.mutex.Lock()
	h.leaveLocked(c, p.Room)
	h.mutex.Unlock()

	if announce {
		h.BroadcastToRoom(p.Room, EventUserLeft, map[string]interface{}{"user_id": c.UserID}, c.ID)
	}
	return nil
}

func (h *WebSocketHub) leaveLocked(c *WebSocketClient, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *WebSocketHub) handleSignal(c *WebSocketClient, event string, raw json.RawMessage) error {
	h.mutex.RLock()
	sig := h.signaling
	h.mutex.RUnlock()
	if sig == nil {
		return apperr.Unavailable("signaling is not configured")
	}
	msg, err := sig.Decode(event, raw, c.UserID)
	if err != nil {
		return err
	}
	if !h.InRoom(c.ID, msg.Room) {
		return apperr.AccessDenied("join the room before signaling")
	}
	h.BroadcastToRoom(msg.Room, event, msg, c.ID)
	return nil
}

func (h *WebSocketHub) handleChatMessage(ctx context.Context, c *WebSocketClient, raw json.RawMessage) error {
	h.mutex.RLock()
	chat := h.chat
	h.mutex.RUnlock()
	if chat == nil {
		return apperr.Unavailable("chat is not configured")
	}
	p, err := decodeRoomPayload(raw)
	if err != nil {
		return err
	}
	if p.Room == "" {
		return apperr.Validation("room is required")
	}
	_, err = chat.PostMessage(ctx, p.Room, c.UserID, p.Message)
	return err
}

func (h *WebSocketHub) handleUserConnected(ctx context.Context, c *WebSocketClient, raw json.RawMessage) error {
	if len(raw) > 0 {
		var p roomPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "malformed event data", err)
		}
		if p.UserID != "" && p.UserID != c.UserID {
			return apperr.AccessDenied("user_id does not match the authenticated user")
		}
	}
	if h.presence == nil {
		return nil
	}
	return h.presence.RegisterConnection(ctx, c.ID, c.UserID)
}

func (h *WebSocketHub) sendError(c *WebSocketClient, event string, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		h.logger.WithError(err).WithFields(logrus.Fields{"conn_id": c.ID, "event": event}).Error("realtime event failed")
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	h.deliverLocked(c, WebSocketMessage{
		Type: EventError,
		Data: map[string]interface{}{
			"event":   event,
			"code":    code,
			"message": apperr.MessageOf(err),
		},
		Timestamp: time.Now().UTC(),
	})
}

// deliverLocked 调用方须持有读锁，保证 Send 未被关闭
func (h *WebSocketHub) deliverLocked(c *WebSocketClient, msg WebSocketMessage) {
	select {
	case c.Send <- msg:
	default:
		metrics.IncRelayDrop(msg.Type)
		h.logger.WithFields(logrus.Fields{"conn_id": c.ID, "event": msg.Type}).Warn("send buffer full, event dropped")
	}
}

func envelope(event string, payload interface{}) WebSocketMessage {
	return WebSocketMessage{Type: event, Data: payload, Timestamp: time.Now().UTC()}
}

// BroadcastToRoom 发送给房间内全部连接，excludeConn 除外
func (h *WebSocketHub) BroadcastToRoom(roomID, event string, payload interface{}, excludeConn string) {
	msg := envelope(event, payload)
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for id, c := range h.rooms[roomID] {
		if id == excludeConn {
			continue
		}
		h.deliverLocked(c, msg)
	}
}

// BroadcastToUser 发送给用户的全部连接；无连接时丢弃
func (h *WebSocketHub) BroadcastToUser(userID, event string, payload interface{}) {
	msg := envelope(event, payload)
	if h.presence == nil {
		h.mutex.RLock()
		defer h.mutex.RUnlock()
		for _, c := range h.clients {
			if c.UserID == userID {
				h.deliverLocked(c, msg)
			}
		}
		return
	}

	handles := h.presence.ConnectionsOf(userID)
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, id := range handles {
		if c, ok := h.clients[id]; ok {
			h.deliverLocked(c, msg)
		}
	}
}

// BroadcastGlobal 发送给全部连接，excludeConn 除外
func (h *WebSocketHub) BroadcastGlobal(event string, payload interface{}, excludeConn string) {
	msg := envelope(event, payload)
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for id, c := range h.clients {
		if id == excludeConn {
			continue
		}
		h.deliverLocked(c, msg)
	}
}

// InRoom 连接是否已加入房间
func (h *WebSocketHub) InRoom(connID, roomID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.rooms[roomID][connID]
	return ok
}

func (h *WebSocketHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Stats 连接统计
func (h *WebSocketHub) Stats() HubStats {
	h.mutex.RLock()
	stats := HubStats{Connections: len(h.clients), Rooms: len(h.rooms)}
	h.mutex.RUnlock()
	if h.presence != nil {
		stats.OnlineUsers = h.presence.OnlineCount()
	}
	return stats
}
