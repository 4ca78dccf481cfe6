// cmd/push-gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fulcrum/internal/pkg/bootstrap"
	"fulcrum/internal/pkg/logger"
	"fulcrum/internal/pkg/metrics"
	"fulcrum/internal/pkg/mq"
	"fulcrum/internal/pkg/session"
	"fulcrum/internal/service/order/domain"
)

const (
	serviceName = "push-gateway"

	notificationTopic = "notifications"

	defaultHTTPPort = 8088

	// websocket 心跳参数
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var (
	sessionMgr *session.Manager
	nodeID     = "push-gateway-" + uuid.New().String()[:8]
	upgrader   = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
			return true
		},
	}
)

// Hub 维护本节点所有活跃的连接。
// 每个网关节点用独立消费者组订阅全量通知，只投递连在本节点的用户，
// 其余丢弃。通知同时落在订单事件流里，长连接推送是 best-effort。
type Hub struct {
	clients    map[string]*Client // 使用 UserID 作为 Key
	register   chan *Client
	unregister chan *Client
	lock       sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.lock.Lock()
			// 同一用户重复连接时顶掉旧连接
			if old, ok := h.clients[client.userID]; ok {
				close(old.send)
			}
			h.clients[client.userID] = client
			h.lock.Unlock()
			metrics.WebsocketConnections.Inc()
			logger.Info().Str("user_id", client.userID).Str("node", nodeID).Msg("Client registered")
		case client := <-h.unregister:
			h.lock.Lock()
			if current, ok := h.clients[client.userID]; ok && current == client {
				delete(h.clients, client.userID)
				close(client.send)
				metrics.WebsocketConnections.Dec()
			}
			h.lock.Unlock()
			logger.Info().Str("user_id", client.userID).Msg("Client unregistered")
		case <-ctx.Done():
			return
		}
	}
}

// deliver 把消息塞进目标用户的发送缓冲。用户不在本节点时返回 false。
func (h *Hub) deliver(userID string, payload []byte) bool {
	h.lock.RLock()
	client, ok := h.clients[userID]
	h.lock.RUnlock()
	if !ok {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		// 发送缓冲已满说明客户端消费太慢，断开让其重连
		metrics.NotificationsPushed.WithLabelValues("backpressure").Inc()
		h.unregister <- client
		return false
	}
}

// Client 是一个 WebSocket 连接的代表。
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// writePump 把 send channel 里的消息写入 websocket，并周期性发 ping。
// 每个连接只有这一个 goroutine 在写，避免并发写。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump 读取客户端消息。入站内容只当心跳用，pong 同时给
// Redis 里的会话路由续期，TTL 过期即视为离线。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		// 重连到其他节点的情况由心跳续期兜底
		if err := sessionMgr.RemoveUserGateway(context.Background(), c.userID); err != nil {
			logger.Warn().Err(err).Str("user_id", c.userID).Msg("Failed to remove gateway session")
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := sessionMgr.SetUserGateway(context.Background(), c.userID, nodeID); err != nil {
			logger.Warn().Err(err).Str("user_id", c.userID).Msg("Failed to refresh gateway session")
		}
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	// 1. 从 URL 参数获取 UserID
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	// 2. HTTP 升级为 WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}

	// 3. 创建客户端实例并注册到 Hub
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), userID: userID}
	client.hub.register <- client

	// 4. 在 Redis 中登记会话路由
	if err := sessionMgr.SetUserGateway(r.Context(), userID, nodeID); err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("Failed to set gateway session")
		conn.Close()
		return
	}

	// 5. 启动读写 goroutine
	go client.writePump()
	go client.readPump()
}

// consumeNotifications 订阅通知 topic 并路由到本节点的长连接。
func consumeNotifications(ctx context.Context, hub *Hub, brokers []string) {
	reader := mq.NewBroadcastKafkaReader(brokers, notificationTopic, nodeID)
	defer reader.Close()
	logger.Info().Str("topic", notificationTopic).Str("group", nodeID).Msg("✅ Notification consumer started")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("🛑 Notification consumer shutting down")
				return
			}
			logger.Error().Err(err).Msg("Could not read notification message")
			continue
		}

		var event domain.NotificationEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error().Err(err).Msg("Failed to unmarshal notification event")
			continue
		}
		if event.UserID == "" {
			continue
		}

		if hub.deliver(event.UserID, msg.Value) {
			metrics.NotificationsPushed.WithLabelValues("delivered").Inc()
			logger.Info().
				Str("user_id", event.UserID).
				Str("order_id", event.OrderID).
				Str("type", event.Type).
				Msg("Notification pushed")
		} else {
			metrics.NotificationsPushed.WithLabelValues("offline").Inc()
		}
	}
}

func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	brokers := strings.Split(cfg.Infra.Kafka.Brokers, ",")

	sessionMgr = session.NewManager(cfg.Infra.Redis.Addrs)
	hub := newHub()

	workerCtx, stopWorkers := context.WithCancel(context.Background())

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        httpPort(),
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				serveWs(hub, w, r)
			})
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())

			go hub.run(workerCtx)
			go consumeNotifications(workerCtx, hub, brokers)
		},
		OnShutdown: func(ctx context.Context) {
			stopWorkers()
			if err := sessionMgr.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close session manager")
			}
		},
	})
}

func httpPort() int {
	if raw := os.Getenv("GATEWAY_HTTP_PORT"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			return parsed
		}
	}
	return defaultHTTPPort
}
