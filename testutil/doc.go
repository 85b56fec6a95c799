// Copyright (c) AgentRoute Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 AgentRoute 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，避免各包重复
实现相似的测试基础设施。包本身只含领域无关的通用工具，领域相关
的测试数据与替身放在子包里。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual / WaitFor /
    WaitForChannel，支持超时轮询等待条件满足
  - 数据工具: AssertJSONEqual / MustJSON / MustParseJSON，
    简化测试数据构造与比对

# 子包

  - testutil/fixtures: 测试数据工厂，提供预置 Agent、路由请求、
    反馈事件、决策记录以及已封装的遥测包样例
  - testutil/mocks: 测试替身，包括 ScriptedUpstream（可编排的
    Karma 上游，支持按次数注入故障）和手动推进的 Clock

# 使用示例

	ctx := testutil.TestContext(t)
	upstream := mocks.NewScriptedUpstream(0.5).SetScore("agent-a", 0.9)
	score, err := upstream.Fetch(ctx, "agent-a")
*/
package testutil
