package manifest

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/botfleet/pkg/configtree"
)

var (
	dnsLabelPattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	skillNamePattern = regexp.MustCompile(`^[a-z0-9-]+$`)
	indexPattern     = regexp.MustCompile(`\[(\d+)\]`)
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// fieldValidator returns the shared validator with the manifest tags registered.
func fieldValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("dnslabel", func(fl validator.FieldLevel) bool {
			return IsDNSLabel(fl.Field().String())
		})
		_ = v.RegisterValidation("skillname", func(fl validator.FieldLevel) bool {
			return ValidateSkillName(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("pinnedimage", func(fl validator.FieldLevel) bool {
			return ValidateImageReference(fl.Field().String()) == nil
		})
		v.RegisterStructValidation(validateSkillsPolicy, SkillsPolicy{})
		validate = v
	})
	return validate
}

// IsDNSLabel reports whether s is a lowercase DNS label without consecutive hyphens.
func IsDNSLabel(s string) bool {
	return dnsLabelPattern.MatchString(s) && !strings.Contains(s, "--")
}

func validateSkillsPolicy(sl validator.StructLevel) {
	skills := sl.Current().Interface().(SkillsPolicy)
	switch skills.Mode {
	case SkillsAllowlist, SkillsDenylist:
		if len(skills.Names) == 0 {
			sl.ReportError(skills.Names, "names", "Names", "skillsnames", string(skills.Mode))
		}
	case SkillsAll:
		if len(skills.Names) > 0 {
			sl.ReportError(skills.Names, "names", "Names", "skillsnonames", "")
		}
	}
}

// Validate checks an untyped tree against the manifest schema and invariants.
// On success it returns the typed manifest with schema defaults applied; on
// failure the error is a *SchemaError listing every issue found.
func Validate(tree configtree.Tree) (*Manifest, error) {
	registry, err := DefaultSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return ValidateWith(registry, tree)
}

// ValidateWith is Validate against an explicit schema registry.
func ValidateWith(registry *SchemaRegistry, tree configtree.Tree) (*Manifest, error) {
	unified, err := registry.Unify(ManifestDefinition, tree)
	if err != nil {
		var schemaErr *SchemaError
		if !errors.As(err, &schemaErr) {
			return nil, err
		}
		// The structural stage failed, so no defaulted value exists. The
		// invariants are still checked on a best-effort decode of the input.
		var partial Manifest
		_ = configtree.Decode(configtree.NormalizeTree(tree), &partial)
		return nil, &SchemaError{Issues: mergeIssues(schemaErr.Issues, fieldIssues(&partial, isInvariantTag))}
	}

	var m Manifest
	if err := configtree.Decode(unified, &m); err != nil {
		return nil, &SchemaError{Issues: []Issue{{Message: err.Error()}}}
	}

	if err := ValidateStruct(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateStruct runs the field invariants on a typed manifest.
func ValidateStruct(m *Manifest) error {
	issues := fieldIssues(m, nil)
	if len(issues) == 0 {
		return nil
	}
	return &SchemaError{Issues: issues}
}

// fieldIssues runs the validator on m and keeps the failures whose tag
// passes keep. A nil keep keeps everything.
func fieldIssues(m *Manifest, keep func(tag string) bool) []Issue {
	err := fieldValidator().Struct(m)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []Issue{{Message: err.Error()}}
	}

	issues := make([]Issue, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if keep != nil && !keep(fe.Tag()) {
			continue
		}
		issues = append(issues, Issue{
			Path:    issuePath(fe.Namespace()),
			Message: issueMessage(fe),
		})
	}
	return issues
}

// isInvariantTag reports whether tag checks something the CUE schema cannot
// express. Bounds, enums and required fields are left to the schema.
func isInvariantTag(tag string) bool {
	switch tag {
	case "unique", "dnslabel", "pinnedimage", "skillname", "skillsnames", "skillsnonames":
		return true
	default:
		return false
	}
}

// mergeIssues appends extra to issues, skipping paths already reported.
func mergeIssues(issues, extra []Issue) []Issue {
	seen := make(map[string]bool, len(issues))
	for _, issue := range issues {
		seen[issue.Path] = true
	}
	for _, issue := range extra {
		if seen[issue.Path] {
			continue
		}
		seen[issue.Path] = true
		issues = append(issues, issue)
	}
	return issues
}

// Parse decodes a YAML or JSON manifest document and validates it.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return Validate(configtree.NormalizeTree(raw))
}

// issuePath turns "Manifest.spec.secrets[1].name" into "spec.secrets.1.name".
func issuePath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		namespace = namespace[i+1:]
	}
	return indexPattern.ReplaceAllString(namespace, ".$1")
}

func issueMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "eq":
		return fmt.Sprintf("must be %q", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	case "unique":
		return fmt.Sprintf("entries must have unique %s values", strings.ToLower(fe.Param()))
	case "dnslabel":
		return fmt.Sprintf("%q is not a DNS label (lowercase alphanumerics and single hyphens, 1-63 characters)", fe.Value())
	case "skillname":
		if err := ValidateSkillName(fmt.Sprint(fe.Value())); err != nil {
			return err.Error()
		}
		return "invalid skill name"
	case "pinnedimage":
		if err := ValidateImageReference(fmt.Sprint(fe.Value())); err != nil {
			return err.Error()
		}
		return "image must be pinned"
	case "skillsnames":
		return fmt.Sprintf("mode %s requires at least one skill name", fe.Param())
	case "skillsnonames":
		return "mode ALL must not list skill names"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// Validate runs the field invariants on a manifest constructed in Go.
func (m *Manifest) Validate() error {
	return ValidateStruct(m)
}

// ValidateSkillName checks that name is lowercase alphanumerics and hyphens.
func ValidateSkillName(name string) error {
	if !skillNamePattern.MatchString(name) {
		return fmt.Errorf("%q is not a valid skill name (lowercase alphanumerics and hyphens)", name)
	}
	return nil
}
