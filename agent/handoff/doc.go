// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handoff 实现任务在 Agent 之间的所有权交接协议。

# 概述

交接包（types.HandoffPackage）记录一次所有权转移提议：来源 Agent、
目标（具名 Agent 或能力公开征集，二者必居其一）、上下文摘要与知识快照、
置信度。交接包一旦被接受或拒绝即不可再修改。

# 操作

  - Create / CreateTx：校验所有权与目标，快照任务上下文，任务进入 PendingHandoff
  - Accept：校验接收方，释放原负责人负载并占用新负责人负载，任务回到 InProgress，
    提交后将知识快照导入新负责人的工作上下文
  - Reject：记录拒绝原因，任务在原负责人名下回到 InProgress，不会自动重新路由
  - Get / ListOpen：查询交接包，未寻址的交接包用于监控

所有写操作都在 internal/unit 的工作单元内执行，锁定交接包、任务与相关 Agent。
*/
package handoff
