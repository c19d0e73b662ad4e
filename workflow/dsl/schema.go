package dsl

// TemplateFile 模板文件顶层结构
type TemplateFile struct {
	// Version DSL 版本
	Version string `yaml:"version" json:"version"`

	// Variables 全局变量定义，用于 instructions 插值
	Variables map[string]VariableDef `yaml:"variables,omitempty" json:"variables,omitempty"`

	// Steps 可复用步骤定义
	Steps map[string]StepDef `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Workflows 工作流模板
	Workflows []WorkflowDef `yaml:"workflows" json:"workflows"`
}

// VariableDef 变量定义
type VariableDef struct {
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// StepDef 步骤定义
type StepDef struct {
	RequiredCapabilities []string `yaml:"required_capabilities,omitempty" json:"required_capabilities,omitempty"`
	EstimatedMinutes     int      `yaml:"estimated_minutes,omitempty" json:"estimated_minutes,omitempty"`
	Instructions         string   `yaml:"instructions,omitempty" json:"instructions,omitempty"` // 支持 ${variable} 插值
}

// WorkflowDef 单个工作流模板
type WorkflowDef struct {
	Name              string       `yaml:"name" json:"name"`
	Description       string       `yaml:"description,omitempty" json:"description,omitempty"`
	ParallelExecution bool         `yaml:"parallel_execution,omitempty" json:"parallel_execution,omitempty"`
	RetryPolicy       RetryDef     `yaml:"retry_policy,omitempty" json:"retry_policy,omitempty"`
	Steps             []StepRefDef `yaml:"steps" json:"steps"`
}

// RetryDef 重试策略
type RetryDef struct {
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// StepRefDef 工作流中的一个步骤：引用 steps 中的定义（use）或内联定义
type StepRefDef struct {
	Name    string `yaml:"name" json:"name"`
	Use     string `yaml:"use,omitempty" json:"use,omitempty"`
	StepDef `yaml:",inline"`
}
