// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pkgload

import (
	"encoding/json"
	"strings"
)

// managedTypes are parameter annotations whose values the server injects
// (from the encrypted request context) rather than the caller. They are
// excluded from the input schema and recorded as managed-param metadata.
var managedTypes = map[string]bool{
	"Secret":       true,
	"OAuth2Secret": true,
	"DataSource":   true,
	"Request":      true,
}

// Schemas is the generated schema set for one entry point.
type Schemas struct {
	// Input is the JSON Schema callers are validated against.
	Input string

	// Output is the JSON Schema the returned value must satisfy.
	Output string

	// Managed maps managed parameter names to their annotation type.
	Managed map[string]string
}

// BuildSchemas derives JSON Schemas from an entry point's annotations.
func BuildSchemas(ep *EntryPoint) (*Schemas, error) {
	descriptions := argDescriptions(ep.Docstring)

	properties := make(map[string]any)
	var required []string
	managed := make(map[string]string)

	for _, p := range ep.Params {
		if t := baseType(p.Annotation); managedTypes[t] {
			managed[p.Name] = t
			continue
		}

		prop := annotationSchema(p.Annotation)
		if desc := descriptions[p.Name]; desc != "" {
			prop["description"] = desc
		}
		if p.HasDefault {
			if v, ok := literalValue(p.Default); ok {
				prop["default"] = v
			}
		} else {
			required = append(required, p.Name)
		}
		properties[p.Name] = prop
	}

	input := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		input["required"] = required
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	outputJSON, err := json.Marshal(annotationSchema(ep.ReturnAnnotation))
	if err != nil {
		return nil, err
	}
	return &Schemas{
		Input:   string(inputJSON),
		Output:  string(outputJSON),
		Managed: managed,
	}, nil
}

// ManagedJSON renders the managed-param metadata for persistence.
func (s *Schemas) ManagedJSON() string {
	if len(s.Managed) == 0 {
		return "{}"
	}
	raw, _ := json.Marshal(s.Managed)
	return string(raw)
}

// annotationSchema maps one Python annotation to a JSON Schema fragment.
// Unannotated values accept anything; unknown classes are objects.
func annotationSchema(annotation string) map[string]any {
	annotation = strings.TrimSpace(annotation)
	if annotation == "" || annotation == "None" {
		return map[string]any{}
	}

	// Optional[X] and "X | None" unwrap to X.
	if inner, ok := genericArg(annotation, "Optional"); ok {
		return annotationSchema(inner)
	}
	if left, _, ok := strings.Cut(annotation, "|"); ok {
		return annotationSchema(left)
	}

	switch baseType(annotation) {
	case "str":
		return map[string]any{"type": "string"}
	case "int":
		return map[string]any{"type": "integer"}
	case "float":
		return map[string]any{"type": "number"}
	case "bool":
		return map[string]any{"type": "boolean"}
	case "list", "List", "tuple", "Tuple", "set", "Set":
		schema := map[string]any{"type": "array"}
		if inner, ok := genericArg(annotation, baseType(annotation)); ok {
			// tuple[int, str] style element lists all map to one items
			// schema of the first element type.
			first := strings.TrimSpace(splitTopLevel(inner)[0])
			schema["items"] = annotationSchema(first)
		}
		return schema
	case "dict", "Dict":
		return map[string]any{"type": "object"}
	case "Response":
		// The Response envelope is opaque to schema validation: its
		// result/error split is handled by the run engine.
		return map[string]any{"type": "object"}
	default:
		return map[string]any{"type": "object"}
	}
}

// baseType strips generic arguments and module qualifiers:
// "typing.Optional[str]" -> "Optional", "sema4ai.actions.Secret" -> "Secret".
func baseType(annotation string) string {
	annotation = strings.TrimSpace(annotation)
	if idx := strings.IndexByte(annotation, '['); idx >= 0 {
		annotation = annotation[:idx]
	}
	if idx := strings.LastIndexByte(annotation, '.'); idx >= 0 {
		annotation = annotation[idx+1:]
	}
	return strings.TrimSpace(annotation)
}

// genericArg extracts X from "name[X]" if annotation is that generic.
func genericArg(annotation, name string) (string, bool) {
	annotation = strings.TrimSpace(annotation)
	open := strings.IndexByte(annotation, '[')
	if open < 0 || !strings.HasSuffix(annotation, "]") {
		return "", false
	}
	if baseType(annotation[:open]) != baseType(name) {
		return "", false
	}
	return annotation[open+1 : len(annotation)-1], true
}

// literalValue interprets simple Python default literals.
func literalValue(s string) (any, bool) {
	s = strings.TrimSpace(s)
	switch s {
	case "None":
		return nil, true
	case "True":
		return true, true
	case "False":
		return false, true
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], true
		}
	}
	var n json.Number
	if err := json.Unmarshal([]byte(s), &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return nil, false
}

// argDescriptions parses a Google-style "Args:" docstring section into
// per-parameter descriptions.
func argDescriptions(docstring string) map[string]string {
	out := make(map[string]string)
	lines := strings.Split(docstring, "\n")

	inArgs := false
	current := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.EqualFold(trimmed, "Args:") || strings.EqualFold(trimmed, "Arguments:") || strings.EqualFold(trimmed, "Params:"):
			inArgs = true
			continue
		case strings.EqualFold(trimmed, "Returns:") || strings.EqualFold(trimmed, "Raises:") || strings.EqualFold(trimmed, "Yields:"):
			inArgs = false
			continue
		}
		if !inArgs || trimmed == "" {
			continue
		}

		name, desc, ok := strings.Cut(trimmed, ":")
		if ok && !strings.ContainsAny(name, " \t") {
			current = strings.TrimSpace(name)
			// "name (type): desc" form.
			if idx := strings.IndexByte(current, '('); idx >= 0 {
				current = strings.TrimSpace(current[:idx])
			}
			out[current] = strings.TrimSpace(desc)
		} else if current != "" {
			// Continuation line of the previous description.
			out[current] = strings.TrimSpace(out[current] + " " + trimmed)
		}
	}
	return out
}
