package decisionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/database"
	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 🗄️ 数据库决策日志
// =============================================================================

const (
	// defaultPruneBatch 单个事务里删除的最大行数
	defaultPruneBatch = 500
	// pruneRetries 清理事务的重试次数（死锁、锁超时等）
	pruneRetries = 3
	// pruneRunTimeout 单轮清理的兜底超时
	pruneRunTimeout = time.Minute
)

// decisionRow 决策记录的表结构。冗余几个查询列方便按 Agent
// 和时间段检索，完整记录以 JSON 存在 record 列保证无损回读。
type decisionRow struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DecisionID string    `gorm:"size:64;uniqueIndex" json:"decision_id"`
	RequestID  string    `gorm:"size:64;index" json:"request_id"`
	AgentID    string    `gorm:"size:64;index" json:"agent_id"`
	InputType  string    `gorm:"size:32" json:"input_type"`
	Strategy   string    `gorm:"size:32" json:"strategy"`
	Confidence float64   `json:"confidence"`
	DecidedAt  time.Time `gorm:"index" json:"decided_at"`
	Record     string    `gorm:"type:text" json:"record"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName 指定表名
func (decisionRow) TableName() string { return "decision_records" }

// DatabaseSink 把决策记录写进关系库单表。连接池由装配层开好
// 借给日志端，Close 只停自己的清理循环不碰连接。
type DatabaseSink struct {
	pool          *database.PoolManager
	retention     time.Duration
	appendTimeout time.Duration
	pruneInterval time.Duration
	pruneBatch    int

	closed  atomic.Bool
	appends atomic.Int64

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	clock   ident.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewDatabaseSink 创建数据库日志端并迁移表结构。
func NewDatabaseSink(pm *database.PoolManager, cfg config.DecisionLogConfig, clock ident.Clock, m *metrics.Collector, logger *zap.Logger) (*DatabaseSink, error) {
	if pm == nil {
		return nil, types.NewError(types.ErrConfig, "database decision log needs a connection pool")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = defaultAppendTimeout
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
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

	if err := pm.DB().AutoMigrate(&decisionRow{}); err != nil {
		return nil, fmt.Errorf("migrate decision log schema: %w", err)
	}

	return &DatabaseSink{
		pool:          pm,
		retention:     time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		appendTimeout: cfg.AppendTimeout,
		pruneInterval: cfg.PruneInterval,
		pruneBatch:    defaultPruneBatch,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		clock:         clock,
		metrics:       m,
		logger:        logger.With(zap.String("component", "decision_log"), zap.String("backend", BackendDatabase)),
	}, nil
}

// Append 插入一条记录。决策 ID 带唯一索引，重复插入会报错。
func (s *DatabaseSink) Append(ctx context.Context, rec *types.DecisionRecord) error {
	if rec == nil {
		return types.NewError(types.ErrConfig, "nil decision record")
	}
	if s.closed.Load() {
		s.metrics.RecordLogAppend(BackendDatabase, "closed")
		return types.NewError(types.ErrSinkClosed, "decision log closed")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.appendTimeout)
		defer cancel()
	}

	row, err := rowFromRecord(rec)
	if err != nil {
		s.metrics.RecordLogAppend(BackendDatabase, "error")
		return err
	}
	if err := s.pool.DB().WithContext(ctx).Create(row).Error; err != nil {
		s.metrics.RecordLogAppend(BackendDatabase, "error")
		return fmt.Errorf("insert decision record: %w", err)
	}

	s.appends.Add(1)
	s.metrics.RecordLogAppend(BackendDatabase, "ok")
	s.logger.Debug("decision appended",
		zap.String("decision_id", rec.DecisionID),
		zap.String("agent_id", rec.AgentID))
	return nil
}

// Recent 返回最近 n 条记录，旧在前新在后。损坏的行跳过。
func (s *DatabaseSink) Recent(ctx context.Context, n int) ([]*types.DecisionRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	var rows []decisionRow
	err := s.pool.DB().WithContext(ctx).
		Order("decided_at DESC, id DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query recent decisions: %w", err)
	}

	out := make([]*types.DecisionRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var rec types.DecisionRecord
		if err := json.Unmarshal([]byte(rows[i].Record), &rec); err != nil {
			s.logger.Warn("corrupt decision row skipped",
				zap.Uint("row_id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Start 启动保留期清理循环。重复调用无害。
func (s *DatabaseSink) Start() {
	s.startOnce.Do(func() {
		go s.pruneLoop()
	})
}

// Close 停止清理循环并拒绝后续追加。连接池归装配层所有，这里不关。
func (s *DatabaseSink) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.startOnce.Do(func() {
		// 从未 Start 过：补一个已关闭的 done 通道语义
		close(s.doneCh)
	})
	<-s.doneCh
	s.closed.Store(true)
	return nil
}

func (s *DatabaseSink) pruneLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pruneRunTimeout)
			if err := s.prune(ctx); err != nil {
				s.logger.Warn("decision log prune failed", zap.Error(err))
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// prune 分批删除超过保留期的行。每批一个事务，
// 死锁或锁超时时按指数退避重试。
func (s *DatabaseSink) prune(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.retention)
	total := 0

	for {
		var ids []uint
		err := s.pool.WithTransactionRetry(ctx, pruneRetries, func(tx *gorm.DB) error {
			ids = ids[:0]
			if err := tx.Model(&decisionRow{}).
				Where("decided_at < ?", cutoff).
				Limit(s.pruneBatch).
				Pluck("id", &ids).Error; err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			return tx.Delete(&decisionRow{}, ids).Error
		})
		if err != nil {
			return fmt.Errorf("prune decision records: %w", err)
		}
		total += len(ids)
		if len(ids) < s.pruneBatch {
			break
		}
	}

	s.metrics.RecordLogPrune()
	if total > 0 {
		s.logger.Info("decision log pruned", zap.Int("dropped", total))
	}
	return nil
}

func rowFromRecord(rec *types.DecisionRecord) (*decisionRow, error) {
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode decision record: %w", err)
	}
	return &decisionRow{
		DecisionID: rec.DecisionID,
		RequestID:  rec.RequestID,
		AgentID:    rec.AgentID,
		InputType:  rec.InputType,
		Strategy:   string(rec.Strategy),
		Confidence: rec.Confidence,
		DecidedAt:  rec.Timestamp,
		Record:     string(blob),
	}, nil
}
