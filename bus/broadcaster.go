package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/channel"
	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/stp"
	"github.com/BaSui01/agentroute/types"
)

// Packet 是总线的投递单元：一个 STP 包络加上总线侧的流水号与入队时间。
// Seq 由总线单调分配，订阅者可以据此判断自己漏了多少包。
type Packet struct {
	Seq        uint64      `json:"seq"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Replayed   bool        `json:"replayed,omitempty"`
	Envelope   *stp.Packet `json:"packet"`
}

// Stats 是总线的运行快照。
type Stats struct {
	Published     int64               `json:"published"`
	Subscribers   int                 `json:"subscribers"`
	Buffered      int                 `json:"buffered"`
	Capacity      int                 `json:"capacity"`
	Subscriptions []SubscriptionStats `json:"subscriptions,omitempty"`
}

// Broadcaster 是进程内遥测总线：固定容量的环形缓冲加每订阅者的
// 有界队列扇出。环形缓冲与订阅者表由同一把锁保护，订阅时的
// 快照与注册是原子的，新订阅者既不会漏包也不会收到重复。
type Broadcaster struct {
	queueSize      int
	rateLimit      rate.Limit
	rateBurst      int
	maxAge         time.Duration
	maxSubscribers int

	mu     sync.Mutex
	ring   []Packet
	next   int
	filled int
	seq    uint64
	subs   map[string]*Subscription
	closed bool

	published atomic.Int64

	clock   ident.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewBroadcaster 创建遥测总线。零值配置字段回落到默认值。
func NewBroadcaster(cfg config.BusConfig, clock ident.Clock, m *metrics.Collector, logger *zap.Logger) *Broadcaster {
	def := config.DefaultBusConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = def.SubscriberQueue
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.MaxPacketAge <= 0 {
		cfg.MaxPacketAge = def.MaxPacketAge
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = def.MaxSubscribers
	}
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Broadcaster{
		queueSize:      cfg.SubscriberQueue,
		rateLimit:      rate.Limit(cfg.RateLimit),
		rateBurst:      cfg.RateBurst,
		maxAge:         cfg.MaxPacketAge,
		maxSubscribers: cfg.MaxSubscribers,
		ring:           make([]Packet, cfg.BufferSize),
		subs:           make(map[string]*Subscription),
		clock:          clock,
		metrics:        m,
		logger:         logger.With(zap.String("component", "bus")),
	}
}

// Publish 将一个 STP 包送入总线。发布方永不阻塞：环形缓冲写满后
// 覆盖最老的包，订阅者队列满则只对该订阅者丢弃并计数。
// 总线关闭后发布是无害的空操作。
func (b *Broadcaster) Publish(p *stp.Packet) {
	if p == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	pkt := Packet{Seq: b.seq, EnqueuedAt: b.clock.Now(), Envelope: p}
	b.ring[b.next] = pkt
	b.next = (b.next + 1) % len(b.ring)
	if b.filled < len(b.ring) {
		b.filled++
	}
	for _, sub := range b.subs {
		if !sub.queue.TryEnqueue(pkt) {
			b.drop(sub, "queue_full")
		}
	}
	b.mu.Unlock()

	b.published.Add(1)
	b.metrics.RecordBusPublish()
}

// Subscribe 注册一个订阅者并启动它的投递泵。先按发布顺序回放
// 环形缓冲里的积压（Replayed 标记为 true），再无缝切入实时流。
// 超出订阅者上限返回 CAPACITY_EXCEEDED。
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, types.NewError(types.ErrInternal, "telemetry bus closed")
	}
	if len(b.subs) >= b.maxSubscribers {
		b.mu.Unlock()
		return nil, types.NewError(types.ErrCapacityExceeded,
			fmt.Sprintf("subscriber limit %d reached", b.maxSubscribers)).WithRetryable(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		id:      ident.NewSubscriberID(),
		out:     make(chan Packet),
		queue:   channel.NewBoundedQueue[Packet](b.queueSize),
		limiter: rate.NewLimiter(b.rateLimit, b.rateBurst),
		backlog: b.snapshotLocked(),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.mu.Unlock()

	b.metrics.SetBusSubscribers(count)
	b.logger.Info("telemetry subscriber attached",
		zap.String("subscriber_id", sub.id),
		zap.Int("backlog", len(sub.backlog)),
		zap.Int("subscribers", count))

	go b.pump(sub)
	return sub, nil
}

// Unsubscribe 摘除订阅者并停止它的投递泵，订阅通道随之关闭。
// 对未知或已摘除的 ID 调用是无害的。
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.stop()
	b.metrics.SetBusSubscribers(count)
	b.logger.Info("telemetry subscriber detached",
		zap.String("subscriber_id", id),
		zap.Int("subscribers", count))
}

// Close 停止总线：摘除所有订阅者并拒绝后续的发布与订阅。
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.metrics.SetBusSubscribers(0)
	b.logger.Info("telemetry bus closed", zap.Int("detached", len(subs)))
}

// Stats 返回总线与各订阅者的运行快照。
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		Published:   b.published.Load(),
		Subscribers: len(b.subs),
		Buffered:    b.filled,
		Capacity:    len(b.ring),
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		st.Subscriptions = append(st.Subscriptions, sub.Stats())
	}
	sort.Slice(st.Subscriptions, func(i, j int) bool {
		return st.Subscriptions[i].ID < st.Subscriptions[j].ID
	})
	return st
}

// snapshotLocked 按发布顺序复制环形缓冲的内容并打上回放标记。
func (b *Broadcaster) snapshotLocked() []Packet {
	if b.filled == 0 {
		return nil
	}
	start := b.next - b.filled
	if start < 0 {
		start += len(b.ring)
	}
	out := make([]Packet, 0, b.filled)
	for i := 0; i < b.filled; i++ {
		pkt := b.ring[(start+i)%len(b.ring)]
		pkt.Replayed = true
		out = append(out, pkt)
	}
	return out
}

// pump 是每订阅者一个的投递协程：先回放积压，再消费实时队列。
// 回放包不做时效检查，实时包滞留超过 MaxPacketAge 即丢弃。
func (b *Broadcaster) pump(s *Subscription) {
	defer close(s.out)

	for _, pkt := range s.backlog {
		if !b.deliver(s, pkt) {
			return
		}
	}
	s.backlog = nil

	for {
		pkt, err := s.queue.Dequeue(s.ctx)
		if err != nil {
			return
		}
		if b.clock.Since(pkt.EnqueuedAt) > b.maxAge {
			b.drop(s, "stale")
			continue
		}
		if !b.deliver(s, pkt) {
			return
		}
	}
}

// deliver 经速率整形送出一个包，返回 false 表示订阅已停止。
// 整形等待会让实时包超过时效时不等待，直接按 rate_limited 丢弃；
// 回放包没有时效，只会被放慢。
func (b *Broadcaster) deliver(s *Subscription, pkt Packet) bool {
	r := s.limiter.Reserve()
	if !r.OK() {
		b.drop(s, "rate_limited")
		return true
	}
	if delay := r.Delay(); delay > 0 {
		if !pkt.Replayed && b.clock.Since(pkt.EnqueuedAt)+delay > b.maxAge {
			r.Cancel()
			b.drop(s, "rate_limited")
			return true
		}
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			r.Cancel()
			return false
		}
	}

	select {
	case s.out <- pkt:
		s.delivered.Add(1)
		b.metrics.RecordBusDelivery()
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (b *Broadcaster) drop(s *Subscription, reason string) {
	s.dropped.Add(1)
	b.metrics.RecordBusDrop(reason)
}
