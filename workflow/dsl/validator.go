package dsl

import (
	"fmt"
	"strings"
)

// Validator 模板验证器
type Validator struct{}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{}
}

// Validate 验证模板定义，返回全部错误
func (v *Validator) Validate(file *TemplateFile) []error {
	var errs []error

	if file.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	}
	if len(file.Workflows) == 0 {
		errs = append(errs, fmt.Errorf("workflows must have at least one entry"))
	}

	names := make(map[string]bool, len(file.Workflows))
	for i, wf := range file.Workflows {
		if wf.Name == "" {
			errs = append(errs, fmt.Errorf("workflow #%d: name is required", i))
			continue
		}
		if names[wf.Name] {
			errs = append(errs, fmt.Errorf("duplicate workflow name: %s", wf.Name))
		}
		names[wf.Name] = true
		errs = append(errs, v.validateWorkflow(file, &wf)...)
	}

	errs = append(errs, v.validateReferences(file)...)
	return errs
}

// validateWorkflow 验证单个工作流
func (v *Validator) validateWorkflow(file *TemplateFile, wf *WorkflowDef) []error {
	var errs []error

	if len(wf.Steps) == 0 {
		errs = append(errs, fmt.Errorf("workflow %s: at least one step is required", wf.Name))
	}
	if wf.RetryPolicy.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("workflow %s: retry_policy.max_retries must not be negative", wf.Name))
	}

	stepNames := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		if step.Name == "" {
			errs = append(errs, fmt.Errorf("workflow %s: step #%d requires a name", wf.Name, i))
			continue
		}
		if stepNames[step.Name] {
			errs = append(errs, fmt.Errorf("workflow %s: duplicate step %q", wf.Name, step.Name))
		}
		stepNames[step.Name] = true

		if step.Use != "" {
			if _, ok := file.Steps[step.Use]; !ok {
				errs = append(errs, fmt.Errorf("workflow %s: step %s uses undefined step %q", wf.Name, step.Name, step.Use))
			}
		}
		if step.EstimatedMinutes < 0 {
			errs = append(errs, fmt.Errorf("workflow %s: step %s has negative estimated_minutes", wf.Name, step.Name))
		}
	}
	return errs
}

// validateReferences 验证变量插值引用
func (v *Validator) validateReferences(file *TemplateFile) []error {
	var errs []error

	check := func(owner, text string) {
		for _, ref := range extractVariableRefs(text) {
			if _, ok := file.Variables[ref]; !ok {
				errs = append(errs, fmt.Errorf("%s: variable %q referenced in instructions not defined", owner, ref))
			}
		}
	}
	for name, step := range file.Steps {
		check("step "+name, step.Instructions)
	}
	for _, wf := range file.Workflows {
		for _, step := range wf.Steps {
			check("workflow "+wf.Name+" step "+step.Name, step.Instructions)
		}
	}
	return errs
}

// extractVariableRefs 提取 ${var} 引用
func extractVariableRefs(s string) []string {
	var refs []string
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			break
		}
		refs = append(refs, s[start+2:start+end])
		s = s[start+end+1:]
	}
	return refs
}
