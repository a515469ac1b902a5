// Package pipeline описывает упорядоченный список шагов и правила перехода между ними.
//
// Определение загружается из YAML (встроенное по умолчанию или из файла).
// Условие провала шага (fail_when) задаётся выражением expr и вычисляется
// по артефактам completion-события.
package pipeline

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Scribe/internal/domain"
)

// Имена шагов встроенного pipeline.
const (
	StepTranscribe = "transcribe"
	StepRedact     = "redact"
	StepAudit      = "audit"
	StepSoap       = "soap"
	StepNotify     = "notify"
)

//go:embed default.yaml
var defaultYAML []byte

// Ошибки pipeline.
var (
	ErrEmptyPipeline = errors.New("pipeline has no steps")
	ErrUnknownStep   = errors.New("unknown step")
	ErrDuplicateStep = errors.New("duplicate step")
)

// StepDef — описание шага в YAML.
type StepDef struct {
	Name string `yaml:"name"`

	// Target — URL task-endpoint step-сервиса по умолчанию.
	Target string `yaml:"target,omitempty"`

	// FailWhen — выражение expr; true означает провал run после этого шага.
	FailWhen string `yaml:"fail_when,omitempty"`

	// FailReason — текст ошибки run при срабатывании FailWhen.
	FailReason string `yaml:"fail_reason,omitempty"`
}

// Definition — загруженный и проверенный pipeline.
type Definition struct {
	Version string    `yaml:"version"`
	Steps   []StepDef `yaml:"steps"`

	index    map[string]int
	programs map[string]*vm.Program
}

// Decision — результат перехода после успешного шага.
// Пустой AdvanceTo означает, что run завершается с Outcome.
type Decision struct {
	AdvanceTo string
	Outcome   domain.Outcome
	Reason    string
}

// Terminal возвращает true, если после шага pipeline заканчивается.
func (d Decision) Terminal() bool {
	return d.AdvanceTo == ""
}

// Default возвращает встроенный pipeline transcribe → redact → audit → soap → notify.
func Default() *Definition {
	def, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("default pipeline: %v", err))
	}
	return def
}

// Load читает pipeline из файла. Пустой путь — встроенный pipeline.
func Load(path string) (*Definition, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML и компилирует выражения.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := def.compile(); err != nil {
		return nil, err
	}
	return &def, nil
}

// compile проверяет шаги и компилирует fail_when.
func (d *Definition) compile() error {
	if len(d.Steps) == 0 {
		return ErrEmptyPipeline
	}

	d.index = make(map[string]int, len(d.Steps))
	d.programs = make(map[string]*vm.Program)

	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d: empty name", i)
		}
		if _, ok := d.index[s.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, s.Name)
		}
		d.index[s.Name] = i

		if s.FailWhen == "" {
			continue
		}
		prg, err := expr.Compile(s.FailWhen,
			expr.Env(guardEnv(s.Name, nil)),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return fmt.Errorf("step %s: compile fail_when: %w", s.Name, err)
		}
		d.programs[s.Name] = prg
	}

	return nil
}

// First возвращает имя первого шага.
func (d *Definition) First() string {
	return d.Steps[0].Name
}

// Has проверяет, есть ли шаг в pipeline.
func (d *Definition) Has(step string) bool {
	_, ok := d.index[step]
	return ok
}

// Next возвращает шаг после step. ok=false для последнего шага.
func (d *Definition) Next(step string) (string, bool) {
	i, found := d.index[step]
	if !found || i+1 >= len(d.Steps) {
		return "", false
	}
	return d.Steps[i+1].Name, true
}

// Names возвращает имена шагов по порядку.
func (d *Definition) Names() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}

// Targets возвращает URL шагов, заданные в YAML.
func (d *Definition) Targets() map[string]string {
	out := make(map[string]string)
	for _, s := range d.Steps {
		if s.Target != "" {
			out[s.Name] = s.Target
		}
	}
	return out
}

// Decide вычисляет переход после успешного завершения step с данными артефактами.
func (d *Definition) Decide(step string, artifacts map[string]any) (Decision, error) {
	i, ok := d.index[step]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}

	if prg, ok := d.programs[step]; ok {
		out, err := expr.Run(prg, guardEnv(step, artifacts))
		if err != nil {
			return Decision{}, fmt.Errorf("step %s: evaluate fail_when: %w", step, err)
		}
		if failed, _ := out.(bool); failed {
			reason := d.Steps[i].FailReason
			if reason == "" {
				reason = step + " failed"
			}
			return Decision{Outcome: domain.OutcomeFail, Reason: reason}, nil
		}
	}

	if i+1 < len(d.Steps) {
		return Decision{AdvanceTo: d.Steps[i+1].Name, Outcome: domain.OutcomePass}, nil
	}
	return Decision{Outcome: domain.OutcomePass}, nil
}

// guardEnv собирает окружение для выражения fail_when.
func guardEnv(step string, artifacts map[string]any) map[string]any {
	if artifacts == nil {
		artifacts = map[string]any{}
	}
	return map[string]any{
		"step":      step,
		"artifacts": artifacts,
	}
}
