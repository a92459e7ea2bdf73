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

package trigger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tombee/actiond/pkg/errors"
)

// variablePattern matches one {{ path }} reference.
var variablePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// templateMeta supplies the meta.* variables.
type templateMeta struct {
	TriggerID   string
	TriggerName string
	Timestamp   string
}

// resolveTemplate walks the inputs template and substitutes {{path}}
// references from the webhook payload, request headers and trigger
// metadata. A string that is exactly one reference takes the referenced
// value with its native type; any other string interpolates, rendering
// missing values as empty.
func resolveTemplate(templateJSON string, payload any, headers map[string]string, meta templateMeta) (json.RawMessage, error) {
	if strings.TrimSpace(templateJSON) == "" {
		templateJSON = "{}"
	}
	var tree any
	if err := json.Unmarshal([]byte(templateJSON), &tree); err != nil {
		return nil, &errors.ValidationError{
			Field:  "inputs_template_json",
			Reason: "not valid JSON",
			Cause:  err,
		}
	}

	resolved := resolveNode(tree, payload, headers, meta)
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resolved inputs: %w", err)
	}
	return out, nil
}

func resolveNode(node, payload any, headers map[string]string, meta templateMeta) any {
	switch v := node.(type) {
	case string:
		return resolveString(v, payload, headers, meta)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = resolveNode(child, payload, headers, meta)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = resolveNode(child, payload, headers, meta)
		}
		return out
	default:
		return node
	}
}

func resolveString(s string, payload any, headers map[string]string, meta templateMeta) any {
	// An exact single reference keeps the native type of the value.
	if m := variablePattern.FindStringSubmatch(s); m != nil && m[0] == s {
		val, _ := lookupPath(m[1], payload, headers, meta)
		return val
	}

	return variablePattern.ReplaceAllStringFunc(s, func(ref string) string {
		path := variablePattern.FindStringSubmatch(ref)[1]
		val, ok := lookupPath(path, payload, headers, meta)
		if !ok || val == nil {
			return ""
		}
		return renderScalar(val)
	})
}

// lookupPath resolves a dotted reference rooted at payload., headers.
// or meta.. Unknown roots and missing keys yield (nil, false).
func lookupPath(path string, payload any, headers map[string]string, meta templateMeta) (any, bool) {
	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case "payload":
		if rest == "" {
			return payload, true
		}
		return descend(payload, strings.Split(rest, "."))
	case "headers":
		if rest == "" {
			return nil, false
		}
		v, ok := lookupHeader(headers, rest)
		if !ok {
			return nil, false
		}
		return v, true
	case "meta":
		switch rest {
		case "trigger_id":
			return meta.TriggerID, true
		case "trigger_name":
			return meta.TriggerName, true
		case "timestamp":
			return meta.Timestamp, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// descend walks maps by key and arrays by numeric index.
func descend(node any, keys []string) (any, bool) {
	for _, key := range keys {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[key]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			node = v[i]
		default:
			return nil, false
		}
	}
	return node, true
}

func renderScalar(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
