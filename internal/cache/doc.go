// 版权所有 2024 AgentRoute Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 是平台的共享 Redis 接入层。karma 缓存的 Redis 后端与
反馈处理器的跨进程幂等键都经由这里读写。

# 概述

本包封装 go-redis 客户端。Manager 负责连接生命周期，包括初始化
Ping 校验、后台健康检查与优雅关闭；上层只拿接口化的读写方法，
不直接持有 redis.Client。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/SetNX/Delete/Exists/Expire
    基础操作与 GetJSON/SetJSON 便捷序列化方法。
  - Config：连接配置，包含地址、密码、连接池大小与默认 TTL。
  - Stats：运行统计，来自连接池计数器与 DBSIZE。

# 错误语义

未命中返回哨兵错误 ErrCacheMiss（IsCacheMiss 判断），后端故障
返回包装错误：调用方据此区分「没有」与「不可用」，幂等声明在
后端故障时放行（fail-open），karma 读取在后端故障时回退中性先验。
*/
package cache
