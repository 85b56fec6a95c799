// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package core 是 AgentRoute 的装配根。

# 概述

核心组件各自只认识接口，本包负责把它们接成一张有向无环图：
时钟与标识 → 注册表 → 评分 → 决策引擎；Q 更新器 ← 反馈处理器 → 注册表；
遥测总线不依赖任何上层。[New] 按配置完成全部装配，
失败时回滚已建组件并返回 CONFIG_ERROR，绝不交付半成品。

# 公开操作

  - [Core.Decide]：同步路由决策，附带决策日志落盘与遥测发射
  - [Core.Feedback] / [Core.SubmitFeedback]：同步应答或有界队列异步投递
  - [Core.Health]：聚合健康快照，同时发布一个 health 遥测包
  - [Core.Subscribe] / [Core.Unsubscribe]：遥测订阅
  - 管理操作：ToggleKarma、ToggleSigning、ForceSave、ClearKarmaCache、
    SetScoreWeights、RegisterAgent、DeregisterAgent、SetAgentStatus

# 使用示例

	cfg := config.DefaultConfig()
	c, err := core.New(cfg, core.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	c.RegisterAgent(&types.Agent{ID: "nlp-1", Type: types.AgentTypeNLP, Status: types.AgentActive})
	rec, err := c.Decide(ctx, &routing.Request{InputType: "text"})

关停经 [Core.Close] 一次完成：先排空反馈工作池，再并行关闭
落盘器、决策日志、karma 客户端与总线，最后收掉包络与缓存连接。
决策路径上的遥测或日志故障从不反噬调用方，这一原则贯穿装配的每条边。
*/
package core
