// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package feedback 实现闭环学习的反馈处理器。

# 概述

外部调度器执行完被选中的 Agent 后，把观测结果作为 FeedbackEvent
送回来。处理器按事件 ID 去重，查到对应决策后依次：结算在途
名额、更新 Agent 运行计数、走奖励管线写 Q 表、通知 karma 客户端
最新性能、通过 STP+Bus 发射 policy_update 遥测包，最后衰减一步 ε。
同一事件 ID 重复提交是计数的空操作，任何计数器和 Q 值都不变。

# 核心组件

  - [Processor]：反馈应用管线与异步提交入口
  - [Deduper]：幂等键后端接口，进程内与 Redis 两个实现
  - [DecisionIndex]：近期决策的有界索引，兼记在途结算标记
  - [PolicyUpdate]：一次反馈产生的策略变化摘要，兼作同步应答

# 失败语义

karma 宕机不会让反馈失败：观察调用带独立超时，失败只记日志。
遥测发射同理。幂等后端故障时处理器放行事件而不是拒绝，
宁可极小概率重复学习也不丢反馈。只有未知决策 ID（NotFound）
和调用方超时会把错误返回给调用者。
*/
package feedback
