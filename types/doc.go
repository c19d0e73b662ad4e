// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供编排服务的共享领域类型。

# 概述

types 是最底层的公共包，不依赖任何内部包。discovery、tasks、handoff、
workflow 以及 HTTP 层都通过这里的类型交换数据，以避免循环依赖。

# 核心类型

  - AgentProfile / AgentStatus  — Agent 档案、负载、信誉与心跳
  - CapabilitySet               — 规范化（去空白、小写、去重、排序）的能力集合
  - Task / TaskState            — 任务及其生命周期状态机
  - Blocker / CompletedStepRecord — 阻塞项与工作流步骤历史
  - WorkflowDefinition / WorkflowStep — 线性工作流定义
  - HandoffPackage / HandoffTarget — 交接包，目标为具名 Agent 或能力
  - Error / ErrorCode           — 结构化错误，区分领域拒绝与可重试的存储故障

# 主要能力

  - 状态迁移校验：CanTransition / InvalidTransitionError
  - 错误工具链：NewError / AsError / GetErrorCode / IsCode / IsRetryable
*/
package types
