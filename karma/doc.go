// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package karma 实现对外部信誉服务的直写式缓存客户端。

# 概述

信誉分是评分引擎四因子之一。上游服务慢、会抖、偶尔整段宕机，
因此读路径全部走缓存：条目在 TTL 内且性能无漂移才算有效，
失效后经 singleflight 合并回源，重试只针对瞬时故障，
熔断器挡住持续翻车的上游。上游彻底不可用时客户端返回
Unavailable，评分引擎换用中性先验，决策永远不会因此失败。

# 核心组件

  - [Client]：直写式缓存与回源编排，实现评分引擎的 KarmaSource
  - [Store]：缓存后端接口，进程内与 Redis 两个实现
  - [Upstream]：上游服务抽象，自带 HTTP 实现
  - [Classify]：把上游错误归入 OK / Transient / Permanent 三型

# 失效规则

条目同时满足三条才有效：年龄小于 TTL；当前性能分相对捕获时
基线的偏移不超过失效阈值；滑动窗口内性能样本的标准差低于上界。
任何一条破了，条目在下次访问或 ObservePerformance 时被逐出。
*/
package karma
