// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentRoute 平台的全局共享类型定义。

# 概述

types 是平台最底层的公共包，不依赖任何内部包，为 routing、learning、karma、
stp、bus、feedback 等上层模块提供统一的类型契约。所有跨包共享的结构体、
枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - [Agent] / [Capability]：注册 Agent 的路由视图（身份、能力面、滚动性能计数）
  - [DecisionRecord]：单次路由决策的持久记录（置信度、评分分解、备选排名）
  - [ScoreBreakdown]：多因子评分分解（rule / feedback / availability / karma）
  - [FeedbackEvent]：决策执行结果回报（幂等键 EventID）
  - [Strategy]：路由策略枚举（q_learning / performance_based / round_robin / random）
  - [Error] / [ErrorCode]：结构化错误体系，含 Retryable、AgentID 标记

# 主要能力

  - Context 传播：WithRequestID / WithDecisionID / WithTraceID
  - 错误工具链：GetErrorCode / IsErrorCode / IsRetryable / IsNotFound
  - 快照语义：Agent.Clone / DecisionRecord.Clone 保证跨 goroutine 只读安全
*/
package types
