// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package learning 实现表格型 Q-learning 的自适应学习回路。

# 概述

反馈事件经奖励函数换算成标量奖励，按贝尔曼更新写入分桶 Q 表；
探索率 ε 随反馈单调衰减，Q 表快照走临时文件加原子改名落盘，
进程被杀不会留下半本账。

# 核心组件

  - [Table]：32 路分桶的 Q 表，桶内互斥保证 (state, action) 更新线性一致
  - [Updater]：奖励函数、karma 平滑、ε 调度与贝尔曼更新
  - [Persister]：脏计数阈值 + 定时双触发的崩溃安全持久化

# 不变式

任何时刻存储的 Q 值都是有限数：NaN/±Inf 在写入口被置零并计数。
ε 单调不增且不低于配置下限。快照文件要么是写前的完整旧账，
要么是写后的完整新账。
*/
package learning
