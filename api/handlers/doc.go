// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 agentmesh HTTP API 的请求处理器实现。

# 概述

handlers 把编排器的每个操作映射为一个 JSON 端点（/v1 前缀），
并提供健康检查端点。所有 Handler 均遵循标准 net/http 接口，
路由使用 Go 1.22 ServeMux 的方法与路径参数模式，由 Mount 统一注册。

# 核心类型

  - AgentHandler     — Agent 注册、心跳、状态、声誉与能力匹配
  - TaskHandler      — 任务创建、认领、阻塞、评审、完成、归档与分解
  - WorkflowHandler  — 工作流注册（JSON 或 YAML 模板）、分配与推进
  - HandoffHandler   — 交接包创建、接受与拒绝
  - KnowledgeHandler — 任务上下文日志的记录与查询，随下一次交接打包
  - EventStreamHandler — 基于事件总线的 SSE 实时事件流（MountEventStream）
  - HealthHandler    — /health, /healthz, /ready, /version
  - Orchestrator     — 处理器依赖的编排器接口

# 错误映射

types.Error 的错误码经 HTTPStatus 映射为状态码：VALIDATION → 400，
NOT_OWNER / WRONG_RECIPIENT → 403，NOT_FOUND → 404，
INVALID_TRANSITION / ALREADY_RESOLVED → 409，
CAPABILITY_MISMATCH / CAPACITY_EXCEEDED → 422，
TRANSIENT_STORE_FAILURE → 503，其余 → 500。
*/
package handlers
