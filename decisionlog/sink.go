package decisionlog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/internal/database"
	"github.com/BaSui01/agentroute/internal/ident"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/types"
)

// 后端标识，同时用作指标标签
const (
	BackendFile     = "file"
	BackendDatabase = "database"
)

// Sink 决策记录的持久化端。Append 在调用方超时内完成或报错，
// 报错不影响决策本身。Recent 返回最近的记录，旧在前新在后。
type Sink interface {
	// Append 追加一条决策记录
	Append(ctx context.Context, rec *types.DecisionRecord) error
	// Recent 返回最近 n 条记录
	Recent(ctx context.Context, n int) ([]*types.DecisionRecord, error)
	// Start 启动后台保留期清理
	Start()
	// Close 停止后台任务并关闭日志端
	Close() error
}

// Open 按配置装配决策日志端。database 后端需要调用方
// 先建好连接池，file 后端忽略 pm。
func Open(cfg config.DecisionLogConfig, pm *database.PoolManager, clock ident.Clock, m *metrics.Collector, logger *zap.Logger) (Sink, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileSink(cfg, clock, m, logger)
	case BackendDatabase:
		return NewDatabaseSink(pm, cfg, clock, m, logger)
	default:
		return nil, types.NewError(types.ErrConfig, fmt.Sprintf("unknown decision log backend: %s", cfg.Backend))
	}
}
