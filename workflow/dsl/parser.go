package dsl

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentmesh/types"
)

// Parser 模板解析器
type Parser struct {
	validator *Validator
}

// NewParser 创建模板解析器
func NewParser() *Parser {
	return &Parser{validator: NewValidator()}
}

// ParseFile 从文件解析模板
func (p *Parser) ParseFile(filename string) ([]*types.WorkflowDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}
	defs, err := p.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return defs, nil
}

// Parse 从 YAML 字节解析模板
func (p *Parser) Parse(data []byte) ([]*types.WorkflowDefinition, error) {
	var file TemplateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	// 1. 验证模板
	if errs := p.validator.Validate(&file); len(errs) > 0 {
		return nil, fmt.Errorf("validate template: %w", errors.Join(errs...))
	}

	// 2. 解析变量，构建插值上下文
	vars := resolveVariables(file.Variables)

	// 3. 构建工作流定义
	defs := make([]*types.WorkflowDefinition, 0, len(file.Workflows))
	for _, wf := range file.Workflows {
		def, err := p.build(&file, wf, vars)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", wf.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (p *Parser) build(file *TemplateFile, wf WorkflowDef, vars map[string]any) (*types.WorkflowDefinition, error) {
	def := &types.WorkflowDefinition{
		Name:              wf.Name,
		ParallelExecution: wf.ParallelExecution,
		RetryPolicy:       types.RetryPolicy{MaxRetries: wf.RetryPolicy.MaxRetries},
		Steps:             make([]types.WorkflowStep, 0, len(wf.Steps)),
	}
	for _, ref := range wf.Steps {
		step, err := resolveStep(file, ref, vars)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", ref.Name, err)
		}
		def.Steps = append(def.Steps, step)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// resolveStep 解析步骤（引用或内联），内联字段覆盖引用的定义
func resolveStep(file *TemplateFile, ref StepRefDef, vars map[string]any) (types.WorkflowStep, error) {
	merged := ref.StepDef
	if ref.Use != "" {
		base, ok := file.Steps[ref.Use]
		if !ok {
			return types.WorkflowStep{}, fmt.Errorf("step %q not found in steps definitions", ref.Use)
		}
		if len(merged.RequiredCapabilities) == 0 {
			merged.RequiredCapabilities = base.RequiredCapabilities
		}
		if merged.EstimatedMinutes == 0 {
			merged.EstimatedMinutes = base.EstimatedMinutes
		}
		if merged.Instructions == "" {
			merged.Instructions = base.Instructions
		}
	}

	caps, err := types.NewCapabilitySet(merged.RequiredCapabilities...)
	if err != nil {
		return types.WorkflowStep{}, err
	}
	return types.WorkflowStep{
		Name:                 ref.Name,
		RequiredCapabilities: caps,
		EstimatedMinutes:     merged.EstimatedMinutes,
		Instructions:         interpolate(merged.Instructions, vars),
	}, nil
}

// resolveVariables 解析变量默认值
func resolveVariables(defs map[string]VariableDef) map[string]any {
	vars := make(map[string]any, len(defs))
	for name, def := range defs {
		if def.Default != nil {
			vars[name] = def.Default
		}
	}
	return vars
}

// interpolate 变量插值（替换 ${var_name}）
func interpolate(template string, vars map[string]any) string {
	result := template
	for name, value := range vars {
		result = strings.ReplaceAll(result, "${"+name+"}", fmt.Sprintf("%v", value))
	}
	return result
}
