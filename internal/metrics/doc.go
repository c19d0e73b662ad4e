// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的编排指标采集能力，覆盖
HTTP、编排操作、Agent、事件日志与数据库五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
注册机制，可注册到默认 Registry 或调用方提供的 Registry。所有指标按
namespace 隔离，支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时，按 method/path/status 分组。
  - 编排指标：操作总数（按结果分组）、操作耗时、任务状态转换、
    交接包生命周期、已完成工作流步骤。
  - Agent 指标：当前负载与信誉分 Gauge。
  - 事件日志指标：投递成功、Sink 失败与缓冲区溢出丢弃计数。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
