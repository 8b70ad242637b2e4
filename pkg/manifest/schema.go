package manifest

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

// ManifestDefinition is the name of the definition that describes a manifest
// inside the built-in schema.
const ManifestDefinition = "#Manifest"

// SchemaRegistry holds compiled CUE schemas keyed by definition name.
// A cue.Context is not safe for concurrent use, so every operation that
// touches CUE values holds the registry lock.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a registry preloaded with the manifest schema.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(ManifestDefinition, builtinManifestSchema); err != nil {
		return nil, err
	}
	return sr, nil
}

// RegisterSchema compiles src and registers the definition called name from it.
func (sr *SchemaRegistry) RegisterSchema(name, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(strings.TrimPrefix(name, "#")+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(name))
	if !def.Exists() {
		return fmt.Errorf("schema source does not define %s", name)
	}
	sr.schemas[name] = def
	return nil
}

// Unify checks data against the named definition and returns the concrete
// result with schema defaults filled in. Structural problems are returned as
// a *SchemaError.
func (sr *SchemaRegistry) Unify(name string, data configtree.Tree) (configtree.Tree, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return nil, fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(configtree.NormalizeTree(data))
	if err := dataVal.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &SchemaError{Issues: issuesFromCUE(err)}
	}

	var out map[string]interface{}
	if err := unified.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode unified value: %w", err)
	}
	return configtree.NormalizeTree(out), nil
}

// issuesFromCUE flattens a CUE error list into schema issues.
func issuesFromCUE(err error) []Issue {
	var issues []Issue
	seen := make(map[Issue]bool)
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		path := e.Path()
		if len(path) > 0 && strings.HasPrefix(path[0], "#") {
			path = path[1:]
		}
		issue := Issue{
			Path:    strings.Join(path, "."),
			Message: fmt.Sprintf(format, args...),
		}
		if seen[issue] {
			continue
		}
		seen[issue] = true
		issues = append(issues, issue)
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Message: errors.Details(err, nil)})
	}
	return issues
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *SchemaRegistry
	defaultRegistryErr  error
)

// DefaultSchemaRegistry returns the process-wide registry with the built-in schema.
func DefaultSchemaRegistry() (*SchemaRegistry, error) {
	defaultRegistryOnce.Do(func() {
		defaultRegistry, defaultRegistryErr = NewSchemaRegistry()
	})
	return defaultRegistry, defaultRegistryErr
}

const builtinManifestSchema = `
#DNSLabel: string & =~"^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$"

#SkillName: string & =~"^[a-z0-9-]+$"

#Secret: {
	name:     string & =~"^[A-Za-z0-9_-]+$"
	provider: "aws-secrets-manager" | "vault" | "gcp-secret-manager" | "azure-key-vault" | "env"
	key:      string & !=""
}

#Channel: {
	type:         "slack" | "discord" | "telegram" | "whatsapp" | "signal" | "msteams" | "webhook"
	enabled:      *true | bool
	secretRef?:   string
	verifyToken?: bool
	config?: {...}
}

#Skills: {
	mode: "ALLOWLIST" | "DENYLIST"
	names: [#SkillName, ...#SkillName]
} | {
	mode: "ALL"
}

#Manifest: {
	apiVersion: "fleet.openfroyo.io/v1"
	kind:       "BotInstance"

	metadata: {
		name:        #DNSLabel
		workspace:   string & !=""
		environment: "dev" | "staging" | "prod"
		labels?: {[string]: string}
	}

	spec: {
		runtime: {
			image:    string & !=""
			cpu:      number & >=0.25 & <=16
			memory:   int & >=256 & <=65536
			replicas: *1 | (int & >=1 & <=100)
			env?: {[string]: string}
		}

		secrets:  *[] | [...#Secret]
		channels: *[] | [...#Channel]
		skills:   #Skills

		network: {
			egress: {
				preset:        *"restricted" | "none" | "permissive"
				allowDomains?: [...string]
			}
			ingress: {
				public: *false | bool
			}
		}

		observability: {
			logLevel: *"info" | "debug" | "warn" | "error"
			metrics:  *true | bool
			tracing:  *false | bool
		}

		policy: {
			forbidPublicAdmin: *true | bool
			enforce:           *true | bool
			packs?: [...string]
		}

		botConfig?: {...}
	}
}
`
