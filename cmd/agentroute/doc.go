// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentRoute 服务端程序入口。

# 概述

cmd/agentroute 是 AgentRoute 平台的可执行入口，装配路由核心并提供
健康检查、版本查询等子命令。程序支持 YAML 配置文件加载、结构化日志
（zap）、Prometheus 指标采集以及遥测总线的 WebSocket 推送。

# 核心类型

  - [Server]：运维服务器，持有路由核心并管理优雅关闭
  - [Middleware]：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter：包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 运维端点：/healthz（健康快照 JSON）、/metrics（Prometheus）、
    /version、/telemetry/ws（遥测总线 WebSocket 推送）
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger
  - 决策日志 database 后端：按 driver 打开 postgres/mysql/sqlite 连接
  - 种子 Agent：配置 agents 段在启动时预注册
  - 优雅关闭：信号监听 → 停 HTTP → 关路由核心 → 关池 → 关遥测导出
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
