// 版权所有 2024 AgentRoute Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理，支撑决策日志的
database 后端。连接由装配层打开后交给 PoolManager 统一管理，
决策日志等使用方只借用连接，不负责其生命周期。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：空闲与最大连接数、连接生命周期、健康检查间隔。
  - PoolStats：结构化的连接池运行指标，供健康端点上报。
  - TransactionFunc：事务回调函数类型。

# 事务重试

保留期批量删除这类写事务可能碰上死锁、锁超时或序列化失败，
WithTransactionRetry 识别这几类错误并按指数退避重试，
其余错误原样返回不重试。

# 健康检查

配置了检查间隔时，后台定时 PingContext 探活并输出连接数，
Close 会立即停掉探活循环。
*/
package database
