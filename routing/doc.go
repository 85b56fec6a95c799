// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package routing 实现自适应路由决策引擎。

# 概述

本包是 AgentRoute 的核心：接收任务请求，对已注册的 Agent 候选集合做
多因子打分（规则匹配、历史反馈、可用性、Karma 信誉），结合 Q-learning
策略在探索与利用之间权衡，最终产出带完整评分拆解的决策记录。

# 核心组件

  - [Registry]：Agent 注册表，维护身份、能力、运行统计与在途计数
  - [Scorer]：多因子评分器，权重热更新，归一化置信度
  - [StateEncoder]：决策状态编码器，产出带版本标签的规范状态键
  - [Engine]：决策引擎，支持 q_learning / performance_based /
    round_robin / random 四种策略

# 使用示例

	reg := routing.NewRegistry(cfg.Scoring.LatencyReferenceMS, clock, logger)
	weights := routing.NewWeightStore(cfg.Scoring.Weights())
	scorer, _ := routing.NewScorer(cfg.Scoring, weights, karmaClient, collector, logger)
	engine := routing.NewEngine(routing.EngineConfig{...})
	record, err := engine.Decide(ctx, &routing.Request{InputType: "text"})

决策流程的每一步都只做有界工作：单个候选打分 panic 会被隔离并剔除该
候选，遥测发射失败只计数不阻断调用方。
*/
package routing
