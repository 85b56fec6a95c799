package decisionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 🧪 文件决策日志测试
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testBase = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func logRecord(id string, ts time.Time) *types.DecisionRecord {
	return &types.DecisionRecord{
		DecisionID: id,
		RequestID:  "req-" + id,
		InputType:  "text",
		Timestamp:  ts,
		AgentID:    "agent-a",
		Confidence: 0.9,
		Strategy:   types.StrategyQLearning,
		State:      "v1:complexity:low|domain:general|input_type:text|load:low|time:morning",
	}
}

func fileCfg(path string) config.DecisionLogConfig {
	return config.DecisionLogConfig{
		Backend:       BackendFile,
		Path:          path,
		RetentionDays: 30,
		AppendTimeout: time.Second,
		PruneInterval: time.Hour,
	}
}

func newFileSink(t *testing.T, cfg config.DecisionLogConfig, clock *fakeClock) *FileSink {
	t.Helper()
	sink, err := NewFileSink(cfg, clock, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	return sink
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []string
	for _, ln := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, ln)
		}
	}
	return lines
}

func TestFileSink_AppendWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	sink := newFileSink(t, fileCfg(path), newFakeClock(testBase))
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, logRecord("dec-001", testBase)))
	require.NoError(t, sink.Append(ctx, logRecord("dec-002", testBase.Add(time.Minute))))

	lines := readLines(t, path)
	require.Len(t, lines, 2)

	var rec types.DecisionRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "dec-001", rec.DecisionID)
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "dec-002", rec.DecisionID)

	// 改名完成后不留临时文件
	assert.NoFileExists(t, path+".tmp")
}

func TestFileSink_RecentReturnsChronologicalTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	sink := newFileSink(t, fileCfg(path), newFakeClock(testBase))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		rec := logRecord(fmtID(i), testBase.Add(time.Duration(i)*time.Minute))
		require.NoError(t, sink.Append(ctx, rec))
	}

	recent, err := sink.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, fmtID(3), recent[0].DecisionID)
	assert.Equal(t, fmtID(4), recent[1].DecisionID)
	assert.Equal(t, fmtID(5), recent[2].DecisionID)

	all, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := sink.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFileSink_ReloadsExistingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	clock := newFakeClock(testBase)
	ctx := context.Background()

	first := newFileSink(t, fileCfg(path), clock)
	for i := 1; i <= 3; i++ {
		require.NoError(t, first.Append(ctx, logRecord(fmtID(i), testBase)))
	}
	require.NoError(t, first.Close())

	second := newFileSink(t, fileCfg(path), clock)
	recent, err := second.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, fmtID(1), recent[0].DecisionID)

	require.NoError(t, second.Append(ctx, logRecord(fmtID(4), testBase)))
	assert.Len(t, readLines(t, path), 4)
}

func TestFileSink_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	good1, err := json.Marshal(logRecord("dec-001", testBase))
	require.NoError(t, err)
	good2, err := json.Marshal(logRecord("dec-002", testBase))
	require.NoError(t, err)
	raw := string(good1) + "\nnot json at all\n" + string(good2) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	sink := newFileSink(t, fileCfg(path), newFakeClock(testBase))
	ctx := context.Background()

	recent, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	// 追加按原始字节搬运现有内容，损坏行原样保留
	require.NoError(t, sink.Append(ctx, logRecord("dec-003", testBase)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "not json at all")
	assert.Len(t, readLines(t, path), 4)

	// 清理时损坏行被一并丢弃
	require.NoError(t, sink.prune())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "not json at all")
	assert.Len(t, readLines(t, path), 3)
}

func TestFileSink_CanceledCtxLeavesLogIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	sink := newFileSink(t, fileCfg(path), newFakeClock(testBase))

	require.NoError(t, sink.Append(context.Background(), logRecord("dec-001", testBase)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sink.Append(ctx, logRecord("dec-002", testBase))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout))

	assert.Len(t, readLines(t, path), 1)
	assert.NoFileExists(t, path+".tmp")
}

func TestFileSink_AppendAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	sink := newFileSink(t, fileCfg(path), newFakeClock(testBase))
	require.NoError(t, sink.Close())

	err := sink.Append(context.Background(), logRecord("dec-001", testBase))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrSinkClosed))
}

func TestFileSink_PruneDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	clock := newFakeClock(testBase)
	sink := newFileSink(t, fileCfg(path), clock)
	ctx := context.Background()

	old := logRecord("dec-old", testBase.Add(-40*24*time.Hour))
	fresh := logRecord("dec-fresh", testBase.Add(-time.Hour))
	require.NoError(t, sink.Append(ctx, old))
	require.NoError(t, sink.Append(ctx, fresh))

	require.NoError(t, sink.prune())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "dec-fresh")

	recent, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "dec-fresh", recent[0].DecisionID)
}

func TestFileSink_PruneLoopRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	cfg := fileCfg(path)
	cfg.PruneInterval = 15 * time.Millisecond
	sink := newFileSink(t, cfg, newFakeClock(testBase))
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, logRecord("dec-old", testBase.Add(-40*24*time.Hour))))
	require.NoError(t, sink.Append(ctx, logRecord("dec-fresh", testBase)))

	sink.Start()
	require.Eventually(t, func() bool {
		return len(readLines(t, path)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sink.Close())
}

func TestNewFileSink_Validation(t *testing.T) {
	_, err := NewFileSink(config.DecisionLogConfig{}, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConfig))
}

func TestNewFileSink_DefaultsApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	sink, err := NewFileSink(config.DecisionLogConfig{Path: path}, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	assert.Equal(t, time.Duration(defaultRetentionDays)*24*time.Hour, sink.retention)
	assert.Equal(t, defaultAppendTimeout, sink.appendTimeout)
	assert.Equal(t, defaultPruneInterval, sink.pruneInterval)
}

func TestOpen_SelectsBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")

	sink, err := Open(fileCfg(path), nil, newFakeClock(testBase), nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	assert.IsType(t, &FileSink{}, sink)

	_, err = Open(config.DecisionLogConfig{Backend: BackendDatabase}, nil, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConfig))

	_, err = Open(config.DecisionLogConfig{Backend: "s3"}, nil, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConfig))
}

func fmtID(i int) string { return fmt.Sprintf("dec-%03d", i) }
