package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

// DefaultRegoQuery is evaluated when a custom_rego rule does not name one.
const DefaultRegoQuery = "data.botfleet.custom.deny"

const regoTimeout = 5 * time.Second

type customRegoConfig struct {
	Module string `json:"module" validate:"required"`
	Query  string `json:"query"`
}

// regoEvaluator prepares and caches Rego queries keyed by module and query.
// The input document is {config, environment, workspace, tags}; the query
// yields a set or array of denial messages.
type regoEvaluator struct {
	mu       sync.RWMutex
	prepared map[string]rego.PreparedEvalQuery
}

func newRegoEvaluator() *regoEvaluator {
	return &regoEvaluator{prepared: make(map[string]rego.PreparedEvalQuery)}
}

func (e *regoEvaluator) prepare(ctx context.Context, module, query string) (rego.PreparedEvalQuery, error) {
	sum := sha256.Sum256([]byte(query + "\x00" + module))
	key := hex.EncodeToString(sum[:])

	e.mu.RLock()
	pq, hit := e.prepared[key]
	e.mu.RUnlock()
	if hit {
		return pq, nil
	}

	pq, err := rego.New(
		rego.Query(query),
		rego.Module("custom.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, err
	}

	e.mu.Lock()
	e.prepared[key] = pq
	e.mu.Unlock()
	return pq, nil
}

func (e *regoEvaluator) check(cfg configtree.Tree, p customRegoConfig, ectx *EvaluationContext) *Finding {
	query := p.Query
	if query == "" {
		query = DefaultRegoQuery
	}

	ctx, cancel := context.WithTimeout(context.Background(), regoTimeout)
	defer cancel()

	pq, err := e.prepare(ctx, p.Module, query)
	if err != nil {
		return &Finding{Message: fmt.Sprintf("Rego module failed to compile: %v", err)}
	}

	input := map[string]interface{}{
		"config":      map[string]interface{}(cfg),
		"environment": ectx.Environment,
		"workspace":   ectx.Workspace,
		"tags":        ectx.Tags,
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return &Finding{Message: fmt.Sprintf("Rego evaluation failed: %v", err)}
	}

	denials := denialMessages(rs)
	if len(denials) == 0 {
		return nil
	}
	return &Finding{Message: strings.Join(denials, "; ")}
}

// denialMessages flattens the query results into sorted messages. An
// undefined query result means nothing was denied.
func denialMessages(rs rego.ResultSet) []string {
	var out []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			switch v := expr.Value.(type) {
			case []interface{}:
				for _, item := range v {
					out = append(out, fmt.Sprint(item))
				}
			case bool:
				if v {
					out = append(out, "denied by Rego policy")
				}
			case string:
				out = append(out, v)
			case nil:
			default:
				out = append(out, fmt.Sprint(v))
			}
		}
	}
	sort.Strings(out)
	return out
}

func registerCustomRules(r *Registry) {
	regoEval := newRegoEvaluator()
	celEval := newCELEvaluator()

	r.Register(RuleCustomRego, SeverityError, typed(
		func() customRegoConfig { return customRegoConfig{} },
		regoEval.check,
	))
	r.Register(RuleCustomCEL, SeverityError, typed(
		func() customCELConfig { return customCELConfig{} },
		celEval.check,
	))
}
