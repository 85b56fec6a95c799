package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/BaSui01/agentroute/internal/channel"
)

// Subscription 是一个订阅者在总线上的句柄。包从 C 返回的通道送出，
// 通道在退订或总线关闭后被关闭。
type Subscription struct {
	id      string
	out     chan Packet
	queue   *channel.BoundedQueue[Packet]
	limiter *rate.Limiter
	backlog []Packet

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	delivered atomic.Int64
	dropped   atomic.Int64
}

// SubscriptionStats 是单个订阅者的投递统计。
type SubscriptionStats struct {
	ID         string `json:"id"`
	Delivered  int64  `json:"delivered"`
	Dropped    int64  `json:"dropped"`
	QueueDepth int    `json:"queue_depth"`
	QueueCap   int    `json:"queue_cap"`
}

// ID 返回订阅者标识，用于退订。
func (s *Subscription) ID() string {
	return s.id
}

// C 返回包的接收通道。退订后通道关闭。
func (s *Subscription) C() <-chan Packet {
	return s.out
}

// Stats 返回该订阅者的投递统计。
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		ID:         s.id,
		Delivered:  s.delivered.Load(),
		Dropped:    s.dropped.Load(),
		QueueDepth: s.queue.Len(),
		QueueCap:   s.queue.Cap(),
	}
}

// stop 终止投递泵。幂等。
func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.queue.Close()
	})
}
