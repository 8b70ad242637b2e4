package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

// SourceError is a located problem in a configuration source file.
type SourceError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e SourceError) String() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// SourceErrors is the error returned when a source fails to evaluate.
type SourceErrors []SourceError

func (e SourceErrors) Error() string {
	parts := make([]string, len(e))
	for i, se := range e {
		parts[i] = se.String()
	}
	return strings.Join(parts, "; ")
}

// CUESource evaluates CUE layer files into concrete trees.
type CUESource struct {
	mu  sync.Mutex
	ctx *cue.Context
}

// NewCUESource creates a CUE evaluator with its own context.
func NewCUESource() *CUESource {
	return &CUESource{ctx: cuecontext.New()}
}

// Evaluate compiles src and returns its regular fields as a tree. Definitions
// and hidden fields are schema helpers and do not appear in the output. Every
// field must be concrete.
func (cs *CUESource) Evaluate(filename string, src []byte) (configtree.Tree, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	val := cs.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var out map[string]interface{}
	if err := val.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return configtree.NormalizeTree(out), nil
}

func convertCUEErrors(err error) SourceErrors {
	var out SourceErrors
	for _, e := range errors.Errors(err) {
		se := SourceError{Message: e.Error()}
		if pos := errors.Positions(e); len(pos) > 0 {
			se.File = pos[0].Filename()
			se.Line = pos[0].Line()
			se.Column = pos[0].Column()
		}
		out = append(out, se)
	}
	if len(out) == 0 {
		out = append(out, SourceError{Message: err.Error()})
	}
	return out
}
