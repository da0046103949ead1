package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// broadcastBuffer 是广播队列长度，队列满时丢弃新的快照
const broadcastBuffer = 16

// Hub 负责管理所有的 WebSocket 客户端连接，并向它们广播单元状态
type Hub struct {
	clients    map[*websocket.Conn]bool // 存储所有活跃的客户端连接
	broadcast  chan []byte              // 广播通道，用于接收需要发送给所有客户端的消息
	register   chan *websocket.Conn     // 注册通道，用于接收新连接
	unregister chan *websocket.Conn     // 注销通道，用于处理断开的连接
	done       chan struct{}            // Run 退出后关闭
	mu         sync.Mutex               // 互斥锁，保护 clients 映射的并发访问
}

// NewHub 创建一个新的 Hub 实例
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// Run 启动 Hub 的主循环，ctx 取消后关闭所有连接并返回
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			// 向所有连接的客户端广播消息
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					slog.Warn("写入 WebSocket 失败", "error", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients 返回当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastState 将状态序列化为 JSON 并放入广播队列
// 队列已满时丢弃本次快照，事件处理器不会因为慢客户端而阻塞
func (h *Hub) BroadcastState(state interface{}) {
	if h == nil {
		return
	}
	message, err := json.Marshal(state)
	if err != nil {
		slog.Error("序列化状态失败", "error", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		slog.Debug("广播队列已满，丢弃状态快照")
	}
}

// upgrader 将普通的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 允许所有来源的连接，生产环境中应配置为特定的域名
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理来自客户端的 WebSocket 请求
// 连接建立后先推送一次当前快照，之后只做服务器到客户端的单向推送
func (h *Hub) ServeWs(snapshot func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("升级 WebSocket 失败", "error", err)
			return
		}
		if snapshot != nil {
			if err := conn.WriteJSON(snapshot()); err != nil {
				conn.Close()
				return
			}
		}
		select {
		case h.register <- conn:
		case <-h.done:
			conn.Close()
			return
		}
		go h.readPump(conn)
	}
}

// readPump 丢弃客户端消息，读取失败时注销连接
func (h *Hub) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
			return
		}
	}
}
