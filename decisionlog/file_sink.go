package decisionlog

import (
	"bytes"
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
// 📜 文件决策日志
// =============================================================================

const (
	defaultRetentionDays = 30
	defaultAppendTimeout = 2 * time.Second
	defaultPruneInterval = time.Hour

	// tailSize 进程内近期记录缓存容量，Recent 只读这份缓存
	tailSize = 256
)

// FileSink 把决策记录写成 JSON 行文件。每次追加整体重写正本：
// 临时文件 + fsync + 原子改名，崩溃只会回到上一份完整日志。
// 近期记录留在内存里供 Recent 查询，不用回读文件。
type FileSink struct {
	path          string
	retention     time.Duration
	appendTimeout time.Duration
	pruneInterval time.Duration

	mu     sync.Mutex // 串行化正本重写，同时保护 tail
	tail   []*types.DecisionRecord
	closed bool

	appends atomic.Int64

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	clock   ident.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewFileSink 创建文件日志端并预热近期记录缓存。
// 不自动启动保留期清理，调用方按需 Start。
func NewFileSink(cfg config.DecisionLogConfig, clock ident.Clock, m *metrics.Collector, logger *zap.Logger) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, types.NewError(types.ErrConfig, "file decision log needs a path")
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

	s := &FileSink{
		path:          cfg.Path,
		retention:     time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		appendTimeout: cfg.AppendTimeout,
		pruneInterval: cfg.PruneInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		clock:         clock,
		metrics:       m,
		logger:        logger.With(zap.String("component", "decision_log"), zap.String("backend", BackendFile)),
	}
	s.loadTail()
	return s, nil
}

// Append 追加一条记录。ctx 没带截止时间时套上配置的追加超时，
// 超时发生在改名前会清掉临时文件，正本保持原样。
func (s *FileSink) Append(ctx context.Context, rec *types.DecisionRecord) error {
	if rec == nil {
		return types.NewError(types.ErrConfig, "nil decision record")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.appendTimeout)
		defer cancel()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		s.metrics.RecordLogAppend(BackendFile, "error")
		return fmt.Errorf("encode decision record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.metrics.RecordLogAppend(BackendFile, "closed")
		return types.NewError(types.ErrSinkClosed, "decision log closed")
	}
	if err := s.appendLine(ctx, line); err != nil {
		if types.IsErrorCode(err, types.ErrTimeout) {
			s.metrics.RecordLogAppend(BackendFile, "timeout")
		} else {
			s.metrics.RecordLogAppend(BackendFile, "error")
		}
		return err
	}

	s.tail = append(s.tail, rec)
	if len(s.tail) > tailSize {
		s.tail = s.tail[1:]
	}
	s.appends.Add(1)
	s.metrics.RecordLogAppend(BackendFile, "ok")
	s.logger.Debug("decision appended",
		zap.String("decision_id", rec.DecisionID),
		zap.String("agent_id", rec.AgentID))
	return nil
}

// Recent 返回缓存中最近 n 条记录，旧在前新在后。
func (s *FileSink) Recent(_ context.Context, n int) ([]*types.DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.tail) == 0 {
		return nil, nil
	}
	if n > len(s.tail) {
		n = len(s.tail)
	}
	out := make([]*types.DecisionRecord, n)
	copy(out, s.tail[len(s.tail)-n:])
	return out, nil
}

// Start 启动保留期清理循环。重复调用无害。
func (s *FileSink) Start() {
	s.startOnce.Do(func() {
		go s.pruneLoop()
	})
}

// Close 停止清理循环并拒绝后续追加。
func (s *FileSink) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.startOnce.Do(func() {
		// 从未 Start 过：补一个已关闭的 done 通道语义
		close(s.doneCh)
	})
	<-s.doneCh

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *FileSink) pruneLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.prune(); err != nil {
				s.logger.Warn("decision log prune failed", zap.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// prune 丢弃超过保留期的记录并重写正本。损坏的行在这里一并清掉。
func (s *FileSink) prune() error {
	cutoff := s.clock.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.metrics.RecordLogPrune()
			return nil
		}
		return fmt.Errorf("read decision log: %w", err)
	}

	recs, corrupt := decodeLines(data)
	kept := make([]*types.DecisionRecord, 0, len(recs))
	dropped := 0
	for _, rec := range recs {
		if rec.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	if dropped == 0 && corrupt == 0 {
		s.metrics.RecordLogPrune()
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range kept {
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := s.replaceFile(context.Background(), buf.Bytes()); err != nil {
		return err
	}

	fresh := s.tail[:0]
	for _, rec := range s.tail {
		if !rec.Timestamp.Before(cutoff) {
			fresh = append(fresh, rec)
		}
	}
	s.tail = fresh

	s.metrics.RecordLogPrune()
	s.logger.Info("decision log pruned",
		zap.Int("dropped", dropped),
		zap.Int("corrupt", corrupt),
		zap.Int("kept", len(kept)))
	return nil
}

// loadTail 启动时回放现有日志填充近期缓存，损坏行跳过。
func (s *FileSink) loadTail() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("decision log unreadable, starting with empty tail", zap.Error(err))
		}
		return
	}
	recs, corrupt := decodeLines(data)
	if corrupt > 0 {
		s.logger.Warn("skipped corrupt decision log lines", zap.Int("corrupt", corrupt))
	}
	if len(recs) > tailSize {
		recs = recs[len(recs)-tailSize:]
	}
	s.tail = recs
	s.logger.Info("decision log loaded",
		zap.String("path", s.path),
		zap.Int("records", len(recs)))
}

// appendLine 把现有内容加一行新记录写进临时文件后原子改名。
// 调用方持有 s.mu。
func (s *FileSink) appendLine(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrTimeout, "decision log append timed out").WithCause(err)
	}
	existing, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read decision log: %w", err)
	}

	buf := make([]byte, 0, len(existing)+len(line)+1)
	buf = append(buf, existing...)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	return s.replaceFile(ctx, buf)
}

// replaceFile 原子替换正本。临时文件在任何失败路径上都会被清掉。
func (s *FileSink) replaceFile(ctx context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create decision log dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := writeAndSync(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return types.NewError(types.ErrTimeout, "decision log append timed out").WithCause(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace decision log: %w", err)
	}
	return nil
}

func writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open log temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write log temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync log temp: %w", err)
	}
	return f.Close()
}

// decodeLines 逐行解析 JSON 记录，返回解析结果与损坏行数。
func decodeLines(data []byte) ([]*types.DecisionRecord, int) {
	var recs []*types.DecisionRecord
	corrupt := 0
	for _, ln := range bytes.Split(data, []byte{'\n'}) {
		ln = bytes.TrimSpace(ln)
		if len(ln) == 0 {
			continue
		}
		var rec types.DecisionRecord
		if err := json.Unmarshal(ln, &rec); err != nil {
			corrupt++
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, corrupt
}
