// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 为 agentmesh 的关系型存储提供版本化 Schema 迁移，
支持 PostgreSQL 与 MySQL，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌各方言的 SQL 迁移文件，表结构与
agent/persistence 中 gorm 模型一一对应。SQLite 仅用于开发与测试，
由 GormStore.AutoMigrate 建表，没有版本化迁移（ErrNoVersionedSchema）。

# 核心接口与类型

  - Migrator：Up/Down/Force/Version/Status/Info/Close。
  - DefaultMigrator：封装 golang-migrate 实例与数据库连接。
  - Config：数据库类型、连接 URL、迁移表名与锁超时。
  - MigrationStatus / MigrationInfo：迁移状态与摘要信息。
  - CLI：为 migrate 子命令提供 RunUp/RunDown/RunForce/RunStatus。

# 工厂函数

NewMigratorFromDatabaseConfig 从 config.DatabaseConfig 构建迁移器，
NewMigratorFromURL 直接使用连接 URL。
*/
package migration
