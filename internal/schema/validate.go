package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidDefinition is the sentinel for every construction-time failure.
var ErrInvalidDefinition = errors.New("schema: invalid definition")

// ValidationError lists every problem found while constructing a definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: invalid definition: %s", strings.Join(e.Problems, "; "))
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidDefinition).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidDefinition
}

// identifierPattern restricts labels and property names to plain identifiers
// so they never need quoting in a query language.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ReservedRelationshipType is owned by the migration engine, which re-types
// relationships of a removed type to it. Definitions may not declare it.
const ReservedRelationshipType = "DETACHED"

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// structValidator returns the shared validator with the schema rules registered.
func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return identifierPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("proptype", func(fl validator.FieldLevel) bool {
			return PropertyType(fl.Field().String()).Valid()
		})
		validate = v
	})
	return validate
}

// validateSpec checks field-level rules and the cross-reference invariants.
// It returns nil or a *ValidationError.
func validateSpec(spec Spec) error {
	var problems []string

	if err := structValidator().Struct(spec); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return &ValidationError{Problems: []string{err.Error()}}
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	nodeLabels := make(map[string]bool, len(spec.NodeTypes))
	for _, nt := range spec.NodeTypes {
		if nt.Label == "" {
			continue
		}
		if nodeLabels[nt.Label] {
			problems = append(problems, fmt.Sprintf("duplicate node type label %q", nt.Label))
		}
		nodeLabels[nt.Label] = true

		seen := make(map[string]bool, len(nt.Properties))
		for _, p := range nt.Properties {
			if seen[p.Name] {
				problems = append(problems, fmt.Sprintf("node type %q: duplicate property %q", nt.Label, p.Name))
			}
			seen[p.Name] = true
		}
	}

	relLabels := make(map[string]bool, len(spec.RelationshipTypes))
	for _, rt := range spec.RelationshipTypes {
		if rt.Label == "" {
			continue
		}
		if relLabels[rt.Label] {
			problems = append(problems, fmt.Sprintf("duplicate relationship type label %q", rt.Label))
		}
		if rt.Label == ReservedRelationshipType {
			problems = append(problems, fmt.Sprintf("relationship type label %q is reserved", rt.Label))
		}
		relLabels[rt.Label] = true
	}

	for _, p := range spec.Patterns {
		if p.Source != "" && !nodeLabels[p.Source] {
			problems = append(problems, fmt.Sprintf("pattern %s: undeclared source node type %q", p, p.Source))
		}
		if p.Relationship != "" && !relLabels[p.Relationship] {
			problems = append(problems, fmt.Sprintf("pattern %s: undeclared relationship type %q", p, p.Relationship))
		}
		if p.Target != "" && !nodeLabels[p.Target] {
			problems = append(problems, fmt.Sprintf("pattern %s: undeclared target node type %q", p, p.Target))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// describeFieldError turns a validator failure into a readable problem line.
func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Spec.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: must not be empty", field)
	case "identifier":
		return fmt.Sprintf("%s: %q is not a valid identifier", field, fe.Value())
	case "proptype":
		return fmt.Sprintf("%s: unknown property type %q", field, fe.Value())
	default:
		return fmt.Sprintf("%s: failed %q check", field, fe.Tag())
	}
}
