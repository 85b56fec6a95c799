package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WebSocketFeed 将一条总线订阅适配到 WebSocket 连接上，每个总线包
// 发送为一个 JSON 文本帧。写操作通过 mutex 保护，因为 WebSocket
// 不支持并发写。
type WebSocketFeed struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex // 保护写操作
	closed bool
}

// NewWebSocketFeed 从已建立的 WebSocket 连接创建遥测推送。
func NewWebSocketFeed(conn *websocket.Conn, logger *zap.Logger) *WebSocketFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketFeed{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_feed")),
	}
}

// Run 把订阅通道里的包逐个转发到连接，直到订阅关闭或 ctx 取消。
// 订阅通道正常关闭时返回 nil。
func (f *WebSocketFeed) Run(ctx context.Context, sub *Subscription) error {
	for {
		select {
		case pkt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := f.Send(ctx, pkt); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send 将一个总线包序列化为 JSON 并通过 WebSocket 发送。
func (f *WebSocketFeed) Send(ctx context.Context, pkt Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}

	if err := f.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}

	return nil
}

// Close 关闭底层 WebSocket 连接。
func (f *WebSocketFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	return f.conn.Close(websocket.StatusNormalClosure, "feed closed")
}

// IsAlive 检查连接是否存活。
func (f *WebSocketFeed) IsAlive() bool {
	return !f.closed
}
