// Package config 提供 AgentMesh 守护进程的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，
// 环境变量名由前缀（默认 AGENTMESH）与字段的 env 标签拼接而成，
// 例如 AGENTMESH_ORCHESTRATOR_HEARTBEAT_TIMEOUT。
package config
