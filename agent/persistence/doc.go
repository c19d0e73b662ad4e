// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供编排核心的事务性存储契约及多后端实现。

# 概述

任务、智能体档案、工作流定义、交接包、步骤记录与阻塞项均通过统一的
Store/Tx 接口读写。Update 中的所有写入要么全部提交，要么全部丢弃，
为工作流推进、交接与分解等复合操作提供原子性。

# 核心接口

  - Store: View（只读快照）、Update（读写事务）、Ping、Close。
  - Tx: 按主键与简单等值过滤读取实体，插入时分配数值 ID。
  - TaskFilter / HandoffFilter: 列表查询条件。

# 后端实现

  - Memory: 内存实现，单写锁串行化事务，适合开发与测试。
  - Redis: 实体以 JSON 存储、索引以 Set 存储，Update 采用 WATCH/MULTI
    乐观事务，冲突时返回 ErrConflict。
  - Database: 基于 gorm 的关系型实现（PostgreSQL / MySQL / SQLite），
    事务由 internal/database 的 PoolManager 提供。

# 使用方式

	store, err := persistence.NewStore(config, pool, logger)
	err = store.Update(ctx, func(tx persistence.Tx) error {
	    task, err := tx.GetTask("T1")
	    ...
	    return tx.UpdateTask(task)
	})
*/
package persistence
