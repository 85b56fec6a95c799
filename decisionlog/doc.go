// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package decisionlog 实现决策记录的附加型持久化端。

# 概述

每次路由决策产生一条不可变记录，追加进附加型日志。文件后端
逐条原子重写正本：序列化新记录，把现有内容加新行写进临时文件，
fsync 后原子改名。进程在任何时刻被杀，正本要么是写前的完整
旧账，要么是写后的完整新账，绝不会出现半条记录。数据库后端
以单表插入换取同等语义。

# 核心组件

  - [Sink]：附加、近期查询与生命周期接口
  - [FileSink]：JSON 行文件后端，带近期记录缓存
  - [DatabaseSink]：GORM 单表后端，批量保留期删除
  - [Open]：按配置选择后端

# 保留期

超过保留天数的记录由后台任务清理，清理不在热路径上，
用与追加相同的临时文件加改名纪律（文件后端）或分批删除
（数据库后端）。追加失败不会让决策失败，引擎计数后继续。
*/
package decisionlog
