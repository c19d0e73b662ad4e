// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供线性工作流的定义管理与推进引擎。

# 概述

工作流是有序的步骤列表，每一步声明所需能力。任务被指派到工作流后，
游标指向当前步骤；当前 owner 完成该步时，引擎写入步骤历史并向下一步
的执行者发起交接（handoff），最后一步完成后任务进入 done。

# 核心类型

  - Registry       — 工作流定义的注册、更新、克隆与 YAML 模板加载，
    带 LRU 读缓存；已被任务引用的定义不可修改
  - Engine         — Assign / Advance / Progress，所有写操作在一个
    单元事务内完成，事件在提交后发布
  - AssignRequest  — 把任务放到工作流上，不存在的任务会被创建
  - AdvanceRequest — 当前步骤完成的上报（输出、置信度、建议下一执行者）
  - AdvanceResult  — 推进结果：新游标、交接包或完成标记

# 子包

  - dsl — YAML 模板格式（变量插值、可复用步骤）的解析与校验
*/
package workflow
