package workflow

import (
	"regexp"
	"strings"
)

var templateField = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// interpolate replaces {field} placeholders in s with values from the
// field space. Dotted paths resolve into nested maps. Placeholders whose
// field does not resolve are left verbatim.
func interpolate(s string, fields map[string]any) string {
	return templateField.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		v, ok := lookupField(fields, name)
		if !ok {
			return match
		}
		return toString(v)
	})
}

// interpolateConfig resolves placeholders recursively through an action's
// config: string values directly, and strings inside nested maps and
// slices. Non-string values pass through untouched.
func interpolateConfig(cfg map[string]any, fields map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = interpolateValue(v, fields)
	}
	return out
}

func interpolateValue(v any, fields map[string]any) any {
	switch t := v.(type) {
	case string:
		return interpolate(t, fields)
	case map[string]any:
		return interpolateConfig(t, fields)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = interpolateValue(e, fields)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = interpolate(e, fields)
		}
		return out
	default:
		return v
	}
}

// executionFields builds the field space templates resolve against: the
// execution record's own fields. Trigger payload data is deliberately not
// part of the space; conditions read it, templates do not. Action results
// join the space under the action's ID as actions complete.
func executionFields(exec *Execution, trigger TriggerContext) map[string]any {
	fields := map[string]any{
		"execution_id": exec.ID.String(),
		"workflow_id":  exec.WorkflowID.String(),
		"trigger":      string(trigger.Kind),
	}
	if trigger.JobID != "" {
		fields["job_id"] = trigger.JobID
	}
	return fields
}

// configString reads a string-valued config key, trimming whitespace.
func configString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(v))
}
