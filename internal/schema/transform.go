// Package schema rewrites MCP tool JSON Schemas into the restricted form the
// Anthropic tool-use API accepts. MCP servers emit schemas with $defs
// indirection, annotation hints, and draft keywords that trip provider-side
// validation; this pass is the smallest transformation that clears them.
package schema

import (
	"encoding/json"
	"regexp"
)

// maxRefDepth bounds $ref resolution. Cycles are not expected in practice
// but must not loop forever.
const maxRefDepth = 64

// allowedKeywords is the JSON Schema subset the provider accepts.
var allowedKeywords = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"const":       true,
	"minimum":     true,
	"maximum":     true,
	"minLength":   true,
	"maxLength":   true,
	"pattern":     true,
	"format":      true,
}

var propertyNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Transform converts an MCP tool schema into a provider-compatible object
// schema of the shape {type: "object", properties: {...}, required: [...]}.
// It is idempotent: Transform(Transform(s)) == Transform(s).
func Transform(mcpSchema map[string]any) map[string]any {
	if mcpSchema == nil {
		mcpSchema = map[string]any{}
	}

	resolved := mcpSchema
	if defs, ok := mcpSchema["$defs"]; ok || containsRef(mcpSchema) {
		var defMap map[string]any
		defMap, _ = defs.(map[string]any)
		resolved, _ = resolveRefs(mcpSchema, defMap, 0).(map[string]any)
		if resolved == nil {
			resolved = map[string]any{}
		}
	}

	out := map[string]any{"type": "object"}
	if t, ok := resolved["type"]; ok {
		out["type"] = t
	}
	if props, ok := resolved["properties"].(map[string]any); ok {
		out["properties"] = cleanProperties(props)
	}
	if required, ok := resolved["required"]; ok {
		out["required"] = required
	}
	return out
}

// TransformJSON is Transform over a JSON-encoded schema string. Unparseable
// input yields the empty object schema rather than an error; a tool with a
// broken schema should still be callable with no arguments.
func TransformJSON(raw string) map[string]any {
	var parsed map[string]any
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &parsed)
	}
	return Transform(parsed)
}

func containsRef(schema map[string]any) bool {
	for k, v := range schema {
		if k == "$ref" {
			return true
		}
		switch child := v.(type) {
		case map[string]any:
			if containsRef(child) {
				return true
			}
		case []any:
			for _, item := range child {
				if m, ok := item.(map[string]any); ok && containsRef(m) {
					return true
				}
			}
		}
	}
	return false
}

// resolveRefs inlines #/$defs/<name> references and drops $defs and $schema.
// Unknown reference targets are left out rather than failing the tool.
func resolveRefs(node any, defs map[string]any, depth int) any {
	if depth > maxRefDepth {
		return node
	}

	switch v := node.(type) {
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, value := range v {
			switch key {
			case "$ref":
				refPath, _ := value.(string)
				if def, ok := lookupDef(refPath, defs); ok {
					for defKey, defValue := range def {
						if defKey != "$ref" {
							resolved[defKey] = resolveRefs(defValue, defs, depth+1)
						}
					}
				} else {
					// Leave unresolvable references as-is.
					resolved[key] = value
				}
			case "$defs", "$schema":
				// Dropped after resolution.
			default:
				resolved[key] = resolveRefs(value, defs, depth+1)
			}
		}
		return resolved
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveRefs(item, defs, depth+1)
		}
		return out
	default:
		return node
	}
}

func lookupDef(refPath string, defs map[string]any) (map[string]any, bool) {
	const prefix = "#/$defs/"
	if defs == nil || len(refPath) <= len(prefix) || refPath[:len(prefix)] != prefix {
		return nil, false
	}
	def, ok := defs[refPath[len(prefix):]].(map[string]any)
	return def, ok
}

func cleanProperties(props map[string]any) map[string]any {
	cleaned := make(map[string]any, len(props))
	for name, value := range props {
		if !propertyNamePattern.MatchString(name) {
			continue
		}
		cleaned[name] = cleanValue(value)
	}
	return cleaned
}

// cleanValue strips non-whitelisted keywords and infers a missing type from
// a default's runtime kind so the provider always sees a typed property.
func cleanValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		cleaned := make(map[string]any, len(v))
		_, hasType := v["type"]
		defaultVal, hasDefault := v["default"]

		for key, val := range v {
			if key == "properties" {
				if props, ok := val.(map[string]any); ok {
					cleaned[key] = cleanProperties(props)
					continue
				}
			}
			if allowedKeywords[key] {
				cleaned[key] = cleanValue(val)
			} else if key == "default" && hasType {
				cleaned[key] = val
			}
		}

		if hasDefault && !hasType {
			cleaned["type"] = inferType(defaultVal)
			cleaned["default"] = defaultVal
		}
		return cleaned
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cleanValue(item)
		}
		return out
	default:
		return value
	}
}

func inferType(value any) string {
	switch v := value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if v == float64(int64(v)) {
			return "integer"
		}
		return "number"
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return "string"
	}
}
