package relay

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	relaymodel "github.com/zhouzirui/persona-relay/backend/internal/model/relay"
	"github.com/zhouzirui/persona-relay/backend/internal/service/conversation"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

var errConnClosed = errors.New("client connection closed")

// SessionOpener 媒体流处理器依赖的会话管理能力
type SessionOpener interface {
	Open(ctx context.Context, id string, transport conversation.Transport) (*conversation.Session, error)
	Exists(id string) bool
}

// Handler WebSocket媒体流处理器
type Handler struct {
	sessions SessionOpener
	upgrader websocket.Upgrader
}

// New 创建媒体流处理器；sessions 为 nil 时路由返回 501
func New(sessions SessionOpener) *Handler {
	return &Handler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册媒体流路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/media-stream", h.handleMediaStream)
}

// clientConn 串行化对浏览器连接的写入
type clientConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *clientConn) Send(evt relaymodel.Outbound) error {
	data, err := relaymodel.EncodeOutbound(evt)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *clientConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *clientConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
}

// handleMediaStream 升级连接并把客户端事件交给会话
func (h *Handler) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		utils.RespondError(w, http.StatusNotImplemented, "media relay not configured")
		return
	}

	// 客户端指定的 id 不能接管在线会话，也不能覆盖已有归档
	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" && h.sessions.Exists(sessionID) {
		utils.RespondError(w, http.StatusConflict, "session id already in use")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade failed: %v", err)
		return
	}
	client := &clientConn{conn: conn}
	defer client.close()

	// 会话生命周期独立于请求上下文，由连接读循环结束时关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := h.sessions.Open(ctx, sessionID, client)
	if err != nil {
		log.Printf("[relay] rejecting session=%s: %v", sessionID, err)
		_ = client.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		return
	}
	defer session.Close()

	log.Printf("[relay] client connected session=%s remote=%s", session.ID(), r.RemoteAddr)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, client)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[relay] read error session=%s: %v", session.ID(), err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		evt, err := relaymodel.DecodeInbound(data)
		if err != nil {
			log.Printf("[relay] dropping message session=%s: %v", session.ID(), err)
			continue
		}
		session.Handle(evt)
	}

	log.Printf("[relay] client disconnected session=%s", session.ID())
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, client *clientConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
