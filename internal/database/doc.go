/*
包 database 为关系型存储提供 GORM 连接池管理与事务入口。

# 概述

Open 按驱动名（postgres、mysql、sqlite）选择 GORM 方言并校验连接池配置，
SQLite 固定为单连接。PoolManager 持有 GORM 实例与底层 sql.DB，所有存储
事务都经由 WithTransaction 进入，连接池关闭后立即返回 ErrPoolClosed。

# 核心类型

  - PoolManager：连接池管理器，提供 DB()、Ping()、Stats()、OnStats()、Close()。
  - PoolConfig：最大空闲/打开连接数、连接生命周期与健康检查间隔。
  - StatsObserver：健康检查成功后接收 sql.DBStats 的回调，用于指标上报。

# 主要能力

  - 后台健康检查：定时 Ping，Close 时停止循环后再关闭连接。
  - 瞬时故障识别：IsRetryableError 识别死锁、序列化冲突、断连与锁等待，
    编排层据此将错误映射为可重试的存储故障。
*/
package database
