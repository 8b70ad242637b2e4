package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

type customCELConfig struct {
	Expression string `json:"expression" validate:"required"`
	Message    string `json:"message"`
}

// celEvaluator compiles and caches CEL programs. Expressions see the resolved
// configuration as config plus the environment, workspace and tags of the
// evaluation context.
type celEvaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	envErr   error
	prgCache map[string]cel.Program
}

func newCELEvaluator() *celEvaluator {
	env, err := cel.NewEnv(
		cel.Variable("config", cel.DynType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("workspace", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
	)
	return &celEvaluator{
		env:      env,
		envErr:   err,
		prgCache: make(map[string]cel.Program),
	}
}

func (e *celEvaluator) program(expr string) (cel.Program, error) {
	if e.envErr != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", e.envErr)
	}

	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile: expression must return bool, got %s", out)
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(100000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *celEvaluator) check(cfg configtree.Tree, p customCELConfig, ectx *EvaluationContext) *Finding {
	prg, err := e.program(p.Expression)
	if err != nil {
		return &Finding{Message: fmt.Sprintf("CEL expression rejected: %v", err)}
	}

	tags := ectx.Tags
	if tags == nil {
		tags = []string{}
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"config":      map[string]interface{}(cfg),
		"environment": ectx.Environment,
		"workspace":   ectx.Workspace,
		"tags":        tags,
	})
	if err != nil {
		return &Finding{Message: fmt.Sprintf("CEL evaluation failed: %v", err)}
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return &Finding{Message: fmt.Sprintf("CEL expression returned %T, not bool", out.Value())}
	}
	if passed {
		return nil
	}

	msg := p.Message
	if msg == "" {
		msg = fmt.Sprintf("CEL expression evaluated to false: %s", p.Expression)
	}
	return &Finding{Message: msg}
}
