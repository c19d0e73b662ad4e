// Package discovery 提供 Agent 注册表与能力匹配器。
//
// # 注册表
//
// Registry 维护 AgentProfile：能力、专长、并发上限、当前负载、状态与信誉。
// 负载只在与任务所有权变更相同的工作单元内通过 Reserve / Release 修改，
// 因此 0 <= current_load <= max_concurrent_tasks 始终成立。
//
// 心跳超时的 Agent 由 SweepUnresponsive 标记为 unresponsive，再次心跳后恢复。
//
// # 匹配器
//
// Rank 对可用 Agent 计算适配分：
//
//	score = 0.4*match_ratio + 0.3*reputation + 0.3*(1 - load/max) + bonus
//
// 其中 bonus 在任一匹配能力属于专长时为 0.2。match_ratio 低于 0.5 的 Agent
// 被排除。同分时依次按信誉降序、负载升序、注册顺序升序排列，结果完全确定。
package discovery
