// 版权所有 2024 AgentRoute Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
决策、学习、反馈、karma、包络、总线与决策日志七大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标。与全局 promauto
注册不同，Collector 接受调用方注入的 Registerer：生产环境传入
prometheus.DefaultRegisterer，测试传入独立 Registry，互不污染。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 决策指标：决策总数（strategy/mode/outcome）、决策耗时、候选数分布、
    评分修复计数（nan/inf/sigmoid/clamp）。
  - 学习指标：ε 探索率 Gauge、Q 表条目数、Q 值修复计数、持久化结果。
  - 反馈指标：按处理结果分组（applied/duplicate/unknown_decision/rejected）。
  - karma 指标：缓存命中与未命中、上游请求结果、重试计数。
  - 包络指标：wrap/unwrap 结果分布、降级包计数。
  - 总线指标：发布/投递/丢弃（queue_full/rate_limited/stale）、订阅者 Gauge。
  - 日志指标：追加结果、保留期清理、被吞掉的发射失败。
*/
package metrics
