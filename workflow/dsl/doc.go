// Package dsl 提供 YAML/JSON 声明式工作流模板语言，
// 支持变量插值与可复用步骤定义，
// 将模板解析为线性的 types.WorkflowDefinition。
package dsl
