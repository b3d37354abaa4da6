package catalog

import "fmt"

// ValidationError reports parameters that fail the declared schema.
// Rejected before policy evaluation; never reaches a backend.
type ValidationError struct {
	Capability string
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.Capability, e.Detail)
}

// ValidateParams checks params against the descriptor's declared schema:
// required parameters present, no undeclared parameters, types compatible.
func ValidateParams(d Descriptor, params map[string]any) error {
	specs := make(map[string]ParamSpec, len(d.Params))
	for _, p := range d.Params {
		specs[p.Name] = p
		if p.Required {
			if _, ok := params[p.Name]; !ok {
				return &ValidationError{Capability: d.Name, Detail: fmt.Sprintf("missing required parameter %q", p.Name)}
			}
		}
	}

	for name, val := range params {
		spec, ok := specs[name]
		if !ok {
			return &ValidationError{Capability: d.Name, Detail: fmt.Sprintf("undeclared parameter %q", name)}
		}
		if val == nil {
			continue
		}
		if !typeMatches(spec.Type, val) {
			return &ValidationError{Capability: d.Name, Detail: fmt.Sprintf("parameter %q is not a %s", name, spec.Type)}
		}
	}
	return nil
}

// typeMatches accepts the JSON decodings a declared type can arrive as.
// json.Unmarshal yields float64 for all numbers, so int accepts whole floats.
func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "int":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		default:
			return false
		}
	case "float":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		default:
			return false
		}
	case "bool":
		_, ok := v.(bool)
		return ok
	case "list":
		_, ok := v.([]any)
		return ok
	case "map":
		_, ok := v.(map[string]any)
		return ok
	default:
		return false
	}
}
