// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package stp 实现 Secure Token Protocol 包络：平台所有出入核心的
遥测包都套在这一层壳里。

# 概述

包络提供四重防护：SHA-256 校验和保完整性、CSPRNG 令牌保可追踪、
HMAC-SHA256 签名保真实性、nonce + 时间漂移窗口防重放。
校验和与签名都算在同一份规范序列化字节串上，任何实现只要用
相同的规范形式，就能得到逐位一致的校验和与可验证的签名。

# 核心组件

  - [Packet]：线上格式，stp_* 字段族加任意 JSON 载荷
  - [Wrapper]：封包与验包，严格 / 宽松校验模式，签名可热切换
  - [PriorityFor]：按包类型与载荷内容选择投递优先级

# 验证顺序

拆包按固定顺序验证：时间漂移、nonce 重放、HMAC 签名、校验和。
前三项失败一律拒收；校验和不符在严格模式下拒收，宽松模式下
打上 stp_checksum_failed 标记后照常返回载荷。
*/
package stp
