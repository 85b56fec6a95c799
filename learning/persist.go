package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 💾 Q 表崩溃安全持久化
// =============================================================================

// snapshotSchema 快照文件格式版本。
const snapshotSchema = "v1"

// saveWriteTimeout 单次落盘的兜底超时。
const saveWriteTimeout = 5 * time.Second

// 持久化触发原因，对应指标标签。
const (
	TriggerThreshold = "threshold"
	TriggerInterval  = "interval"
	TriggerForced    = "forced"
	TriggerShutdown  = "shutdown"
)

type snapshotFile struct {
	Schema  string                        `json:"schema"`
	SavedAt time.Time                     `json:"saved_at"`
	Entries map[string]map[string]float64 `json:"entries"`
}

// Persister 双触发的 Q 表落盘器：脏写计数达到阈值立即存，
// 定时器兜底周期存。写盘走临时文件 + fsync + 原子改名，
// 任何时刻被杀都不会损坏正本。
type Persister struct {
	table *Table
	path  string

	threshold int
	interval  time.Duration

	dirty  atomic.Int64
	saving atomic.Bool
	saveMu sync.Mutex // 串行化写盘与改名

	lastMu   sync.Mutex
	lastSave time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	clock   ident.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

// PersisterStats 落盘器运行快照。
type PersisterStats struct {
	Dirty    int64     `json:"dirty"`
	LastSave time.Time `json:"last_save"`
	Path     string    `json:"path"`
}

// NewPersister 创建落盘器。不自动启动定时循环，调用方按需 Start。
func NewPersister(cfg config.LearningConfig, table *Table, clock ident.Clock, m *metrics.Collector, logger *zap.Logger) (*Persister, error) {
	if table == nil {
		return nil, types.NewError(types.ErrConfig, "q-table is required")
	}
	if cfg.StatePath == "" {
		return nil, types.NewError(types.ErrConfig, "state path is required")
	}
	if cfg.SaveThreshold <= 0 {
		cfg.SaveThreshold = 10
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 300 * time.Second
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
	return &Persister{
		table:     table,
		path:      cfg.StatePath,
		threshold: cfg.SaveThreshold,
		interval:  cfg.SaveInterval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		clock:     clock,
		metrics:   m,
		logger:    logger.With(zap.String("component", "q_persister")),
	}, nil
}

// Load 从快照恢复 Q 表。文件缺失视为干净冷启动返回 nil；
// 文件损坏返回错误且表保持为空，调用方记警告后继续。
func (p *Persister) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("no q-table snapshot, starting empty", zap.String("path", p.path))
			return nil
		}
		return fmt.Errorf("read q-table snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse q-table snapshot: %w", err)
	}
	p.table.Replace(snap.Entries)
	p.metrics.SetQTableSize(p.table.Len())
	p.logger.Info("q-table snapshot loaded",
		zap.String("path", p.path),
		zap.Int("entries", p.table.Len()),
		zap.Time("saved_at", snap.SavedAt))
	return nil
}

// MarkDirty 记一次脏写。达到阈值且当前没有在途写盘时异步触发保存。
func (p *Persister) MarkDirty() {
	n := p.dirty.Add(1)
	if int(n) >= p.threshold && p.saving.CompareAndSwap(false, true) {
		go func() {
			defer p.saving.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), saveWriteTimeout)
			defer cancel()
			if err := p.save(ctx, TriggerThreshold); err != nil {
				p.logger.Error("threshold save failed", zap.Error(err))
			}
		}()
	}
}

// Start 启动定时兜底循环。重复调用无害。
func (p *Persister) Start() {
	p.startOnce.Do(func() {
		go p.loop()
	})
}

func (p *Persister) loop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.dirty.Load() == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), saveWriteTimeout)
			if err := p.save(ctx, TriggerInterval); err != nil {
				p.logger.Error("interval save failed", zap.Error(err))
			}
			cancel()
		case <-p.stopCh:
			return
		}
	}
}

// ForceSave 立即同步落盘。
func (p *Persister) ForceSave(ctx context.Context) error {
	return p.save(ctx, TriggerForced)
}

// Close 停止定时循环并做最后一次 shutdown 落盘。
func (p *Persister) Close(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.startOnce.Do(func() {
		// 从未 Start 过：补一个已关闭的 done 通道语义
		close(p.doneCh)
	})
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.save(ctx, TriggerShutdown)
}

// Stats 返回落盘器运行快照。
func (p *Persister) Stats() PersisterStats {
	p.lastMu.Lock()
	last := p.lastSave
	p.lastMu.Unlock()
	return PersisterStats{Dirty: p.dirty.Load(), LastSave: last, Path: p.path}
}

// save 序列化在锁外完成，文件锁只覆盖写临时文件与改名。
func (p *Persister) save(ctx context.Context, trigger string) error {
	pending := p.dirty.Load()

	snap := snapshotFile{
		Schema:  snapshotSchema,
		SavedAt: p.clock.Now().UTC(),
		Entries: p.table.Snapshot(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		p.metrics.RecordSave(trigger, "error")
		return fmt.Errorf("marshal q-table snapshot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		p.metrics.RecordSave(trigger, "error")
		return err
	}

	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		p.metrics.RecordSave(trigger, "error")
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := p.writeAndSync(tmp, data); err != nil {
		_ = os.Remove(tmp)
		p.metrics.RecordSave(trigger, "error")
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		p.metrics.RecordSave(trigger, "error")
		return fmt.Errorf("replace q-table snapshot: %w", err)
	}

	p.dirty.Add(-pending)
	p.lastMu.Lock()
	p.lastSave = p.clock.Now()
	p.lastMu.Unlock()
	p.metrics.RecordSave(trigger, "ok")
	p.logger.Debug("q-table saved",
		zap.String("trigger", trigger),
		zap.Int("entries", p.table.Len()),
		zap.Int64("flushed_dirty", pending))
	return nil
}

func (p *Persister) writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot temp: %w", err)
	}
	return f.Close()
}
