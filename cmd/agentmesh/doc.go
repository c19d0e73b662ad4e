/*
Package main 提供 agentmesh 编排服务的程序入口。

# 概述

cmd/agentmesh 基于 cobra 组织子命令：serve 启动 HTTP API，migrate 管理
postgres/mysql 的版本化 schema，health 探测运行中实例的 /ready，version
打印构建信息。配置通过 --config 指定的 YAML 文件加载，环境变量覆盖。

# 核心类型

  - Server      — 装配存储、事件日志、编排门面与 HTTP/Metrics 双端口
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 存储选择：memory、redis（共享客户端）或 database（gorm + 迁移）
  - 事件日志：zap 日志、Redis Stream、MongoDB 集合、进程内总线（/v1/events/stream），按配置启用
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware（按路由模式打标签）、RequestLogger、RateLimiter（基于 IP）
  - 后台任务：过期 Agent 清扫与连接池指标上报
  - 优雅关闭：信号监听 → 结束事件流 → 关闭 HTTP → 关闭 Metrics → 停止后台任务 → 刷新事件 → 关闭存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
