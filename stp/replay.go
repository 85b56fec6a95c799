package stp

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// =============================================================================
// 🛡️ Nonce 重放防护
// =============================================================================

// replayGuard 记录漂移窗口内见过的 nonce。有界 LRU：容量打满后
// 最老的 nonce 被挤出，正好对应漂移检查已经挡住的陈旧包。
// 可选落一个追加式文件，重启后窗口不清零；文件在启动时压实到
// 最新的 capacity 条。
type replayGuard struct {
	mu       sync.Mutex
	capacity int
	nodes    map[string]*nonceNode
	head     *nonceNode // 最新
	tail     *nonceNode // 最老

	path   string
	file   *os.File
	logger *zap.Logger
}

type nonceNode struct {
	nonce string
	prev  *nonceNode
	next  *nonceNode
}

// newReplayGuard 创建防护器。path 为空则纯内存；非空时加载并压实
// 既有文件，之后持有追加句柄。
func newReplayGuard(capacity int, path string, logger *zap.Logger) (*replayGuard, error) {
	if capacity <= 0 {
		capacity = 100_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &replayGuard{
		capacity: capacity,
		nodes:    make(map[string]*nonceNode),
		path:     path,
		logger:   logger.With(zap.String("component", "stp_replay")),
	}
	if path == "" {
		return g, nil
	}
	if err := g.loadAndCompact(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	g.file = f
	return g, nil
}

// remember 报告 nonce 是否首次出现，并在首次出现时记录它。
// 重复出现即重放。
func (g *replayGuard) remember(nonce string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, seen := g.nodes[nonce]; seen {
		return false
	}
	g.insert(nonce)
	if g.file != nil {
		if _, err := g.file.WriteString(nonce + "\n"); err != nil {
			g.logger.Warn("nonce append failed, persistence disabled until restart", zap.Error(err))
			g.file.Close()
			g.file = nil
		}
	}
	return true
}

// seenCount 返回窗口内记录的 nonce 数，测试与统计用。
func (g *replayGuard) seenCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

func (g *replayGuard) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.file == nil {
		return nil
	}
	err := g.file.Close()
	g.file = nil
	return err
}

// insert 头插新节点，超容量时挤掉尾部。调用方持锁。
func (g *replayGuard) insert(nonce string) {
	n := &nonceNode{nonce: nonce}
	g.nodes[nonce] = n
	n.next = g.head
	if g.head != nil {
		g.head.prev = n
	}
	g.head = n
	if g.tail == nil {
		g.tail = n
	}
	for len(g.nodes) > g.capacity {
		oldest := g.tail
		g.tail = oldest.prev
		if g.tail != nil {
			g.tail.next = nil
		} else {
			g.head = nil
		}
		delete(g.nodes, oldest.nonce)
	}
}

// loadAndCompact 读取既有 nonce 文件，仅保留最新 capacity 条，
// 按临时文件加原子改名重写，再把幸存条目灌进内存窗口。
func (g *replayGuard) loadAndCompact() error {
	f, err := os.Open(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			if dir := filepath.Dir(g.path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create nonce store dir: %w", err)
				}
			}
			return nil
		}
		return fmt.Errorf("open nonce store: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return fmt.Errorf("read nonce store: %w", scanErr)
	}

	// 去重：同一 nonce 只保留最后一次出现，随后截到容量
	survivors := make([]string, 0, len(lines))
	dedup := make(map[string]struct{}, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		if _, ok := dedup[lines[i]]; ok {
			continue
		}
		dedup[lines[i]] = struct{}{}
		survivors = append(survivors, lines[i])
	}
	if len(survivors) > g.capacity {
		survivors = survivors[:g.capacity]
	}

	// survivors 目前按时间从新到老；写文件与灌内存都要从老到新
	tmp := g.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open nonce store temp: %w", err)
	}
	w := bufio.NewWriter(out)
	for i := len(survivors) - 1; i >= 0; i-- {
		if _, err := w.WriteString(survivors[i] + "\n"); err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("write nonce store temp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush nonce store temp: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync nonce store temp: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close nonce store temp: %w", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace nonce store: %w", err)
	}

	for i := len(survivors) - 1; i >= 0; i-- {
		g.insert(survivors[i])
	}
	g.logger.Info("nonce store compacted",
		zap.String("path", g.path),
		zap.Int("loaded", len(survivors)),
		zap.Int("discarded", len(lines)-len(survivors)))
	return nil
}
