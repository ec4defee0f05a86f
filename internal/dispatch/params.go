package dispatch

import (
	"errors"
	"sort"

	"metaflow/internal/domain"
	"metaflow/internal/proptype"
)

// ValidateParameters checks params against the declared parameters of at and returns
// their normalized values. Every problem is reported in one
// *domain.ParameterValidationError, in declaration order followed by unknown names.
// The reserved target parameter is passed through untouched.
func ValidateParameters(at domain.ActionType, params map[string]any, prior ...domain.ParameterIssue) (map[string]any, error) {
	issues := append([]domain.ParameterIssue(nil), prior...)
	out := make(map[string]any, len(params))
	declared := make(map[string]struct{}, len(at.Parameters))
	for _, p := range at.Parameters {
		declared[p.Name] = struct{}{}
		def, err := p.Definition()
		if err != nil {
			issues = append(issues, domain.ParameterIssue{Name: p.Name, Reason: "invalid parameter definition: " + err.Error()})
			continue
		}
		v := params[p.Name]
		if v == nil {
			if def.IsRequired() {
				issues = append(issues, domain.ParameterIssue{Name: p.Name, Reason: "required"})
			}
			continue
		}
		norm, err := proptype.Normalize(def, v)
		if err != nil {
			issues = append(issues, domain.ParameterIssue{Name: p.Name, Reason: valueReason(err)})
			continue
		}
		out[p.Name] = norm
	}
	var unknown []string
	for name := range params {
		if name == domain.TargetParam {
			continue
		}
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		issues = append(issues, domain.ParameterIssue{Name: name, Reason: "unknown parameter"})
	}
	if v, ok := params[domain.TargetParam]; ok {
		out[domain.TargetParam] = v
	}
	if len(issues) > 0 {
		return nil, &domain.ParameterValidationError{Issues: issues}
	}
	return out, nil
}

func valueReason(err error) string {
	var tm *proptype.TypeMismatchError
	if errors.As(err, &tm) {
		return "type mismatch: expected " + string(tm.Expected) + ", got " + tm.Got
	}
	return err.Error()
}
