package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroute/bus"
	"github.com/BaSui01/agentroute/config"
	"github.com/BaSui01/agentroute/core"
	"github.com/BaSui01/agentroute/internal/database"
	"github.com/BaSui01/agentroute/internal/metrics"
	"github.com/BaSui01/agentroute/internal/server"
	"github.com/BaSui01/agentroute/internal/telemetry"
	"github.com/BaSui01/agentroute/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AgentRoute 的运维服务器：装配并持有路由核心，对外只暴露
// /healthz、/metrics、/version 和遥测 WebSocket。决策与反馈不走 HTTP，
// 由嵌入方直接调用 core 的方法。
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *telemetry.Providers
	pool      *database.PoolManager

	// 指标注册表与收集器
	registry  *prometheus.Registry
	collector *metrics.Collector

	// 路由核心
	core *core.Core

	// 运维端点管理器
	opsManager *server.Manager
}

// NewServer 创建新的服务器实例。pool 仅在决策日志走 database 后端时非空，
// 生命周期归 Server 管。
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers, pool *database.PoolManager) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		pool:      pool,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 装配路由核心并启动运维端点
func (s *Server) Start() error {
	// 1. 初始化指标注册表与收集器（自有注册表，不挂默认全局）
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("agentroute", s.registry, s.logger)

	// 2. 装配路由核心
	c, err := core.New(s.cfg, core.Options{
		Logger:  s.logger,
		Metrics: s.collector,
		Pool:    s.pool,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble routing core: %w", err)
	}
	s.core = c

	// 3. 预注册配置里声明的 Agent
	if err := s.seedAgents(); err != nil {
		return err
	}

	// 4. 启动运维 HTTP 服务器
	if err := s.startOpsServer(); err != nil {
		return fmt.Errorf("failed to start ops server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("seed_agents", len(s.cfg.Agents)),
	)
	return nil
}

// seedAgents 注册配置里预声明的 Agent。种子写错属于配置错误，
// 启动期直接失败。
func (s *Server) seedAgents() error {
	for _, seed := range s.cfg.Agents {
		agent := &types.Agent{
			ID:     seed.ID,
			Name:   seed.Name,
			Type:   seed.Type,
			Status: types.AgentActive,
		}
		for _, c := range seed.Capabilities {
			agent.Capabilities = append(agent.Capabilities, types.Capability{
				Name:      c.Name,
				Threshold: c.Threshold,
			})
		}
		if err := s.core.RegisterAgent(agent); err != nil {
			return fmt.Errorf("failed to seed agent %s: %w", seed.ID, err)
		}
	}
	if len(s.cfg.Agents) > 0 {
		s.logger.Info("seed agents registered", zap.Int("count", len(s.cfg.Agents)))
	}
	return nil
}

// =============================================================================
// 🌐 运维 HTTP 服务器
// =============================================================================

// startOpsServer 启动运维 HTTP 服务器
func (s *Server) startOpsServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/healthz", s.handleHealthz)

	// 版本信息端点
	mux.HandleFunc("/version", s.handleVersion)

	// Prometheus 指标
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// 遥测 WebSocket
	mux.HandleFunc("/telemetry/ws", s.handleTelemetryWS)

	// 中间件链
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.opsManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.opsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// handleHealthz 输出完整健康快照。unhealthy 返回 503；degraded 仍算存活，
// 探针只在彻底不可用时摘除实例。
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.core.Health(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if snap.Status == types.HealthUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Warn("failed to encode health snapshot", zap.Error(err))
	}
}

// handleVersion 输出构建版本信息
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"version":%q,"build_time":%q,"git_commit":%q}`, Version, BuildTime, GitCommit)
}

// handleTelemetryWS 把遥测总线接到 WebSocket 上：先回放积压，再推实时流。
// 连接是只写的，CloseRead 返回的 ctx 在对端断开时取消。
func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	sub, err := s.core.Subscribe()
	if err != nil {
		s.logger.Warn("telemetry subscription rejected", zap.Error(err))
		conn.Close(websocket.StatusTryAgainLater, "subscriber capacity reached")
		return
	}
	defer s.core.Unsubscribe(sub.ID())

	ctx := conn.CloseRead(r.Context())

	feed := bus.NewWebSocketFeed(conn, s.logger)
	defer feed.Close()

	if err := feed.Run(ctx, sub); err != nil {
		s.logger.Debug("telemetry feed ended",
			zap.String("subscriber", sub.ID()),
			zap.Error(err))
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.opsManager != nil {
		s.opsManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有组件。先停 HTTP 入口，再关路由核心（总线关闭会让
// 所有遥测订阅自然收尾），数据库与遥测导出最后。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 关闭运维 HTTP 服务器
	if s.opsManager != nil {
		if err := s.opsManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭路由核心（排空反馈队列、Q 表落盘、总线与决策日志收尾）
	if s.core != nil {
		if err := s.core.Close(ctx); err != nil {
			s.logger.Error("Routing core shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭数据库连接池
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭遥测导出器
	if s.providers != nil {
		if err := s.providers.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
