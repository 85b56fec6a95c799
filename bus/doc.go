// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package bus 实现进程内遥测总线：路由决策、反馈回执、策略更新与
健康状态都以 STP 包的形式经由总线扇出给订阅者。

# 投递模型

发布方永不阻塞。每个包进入固定容量的环形缓冲（旧包被新包覆盖），
同时非阻塞地放入每个订阅者的有界队列；队列满即丢弃并计数。
新订阅者先收到环形缓冲的回放（Replayed 标记为 true，受速率
整形但不受时效检查），再无缝切入实时流。

# 丢弃原因

  - queue_full：订阅者队列已满，发布侧直接丢弃
  - stale：实时包在队列里滞留超过 MaxPacketAge
  - rate_limited：速率整形的等待会让实时包过期

三种丢弃都只影响单个订阅者，环形缓冲与其他订阅者不受影响。
*/
package bus
