// Package config 提供 AgentRoute 的配置管理功能。
//
// 配置面是封闭的：所有参数在此定义，启动时从默认值、YAML 文件和环境变量
// 依次加载并一次性校验，未知键视为错误。运行期配置只读；
// 评分权重的热更新由 routing 包的 WeightStore 原子交换承担。
package config
