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

package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tombee/actiond/pkg/errors"
)

// compileSchema compiles a JSON Schema document.
func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

// ValidateInputs checks the caller-supplied inputs against the action's
// input schema. Violations surface as ValidationError (HTTP 422).
func ValidateInputs(schemaJSON string, inputs json.RawMessage) error {
	if len(inputs) == 0 {
		inputs = []byte("{}")
	}
	schema, err := compileSchema(schemaJSON)
	if err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(inputs))
	if err != nil {
		return &errors.ValidationError{Field: "inputs", Reason: "not valid JSON", Cause: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &errors.ValidationError{Field: "inputs", Reason: err.Error(), Cause: err}
	}
	return nil
}

// ValidateOutput checks the value returned by the action against its
// output schema. A mismatch produces the user-facing inconsistency
// message the run is failed with.
func ValidateOutput(schemaJSON string, result json.RawMessage) error {
	schema, err := compileSchema(schemaJSON)
	if err != nil {
		return fmt.Errorf("invalid output schema: %w", err)
	}

	if len(result) == 0 {
		result = []byte("null")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(result))
	if err != nil {
		return &errors.ValidationError{Field: "result", Reason: "not valid JSON", Cause: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &errors.ValidationError{
			Field:  "result",
			Reason: inconsistentValueMessage(doc, schemaJSON),
			Cause:  err,
		}
	}
	return nil
}

// inconsistentValueMessage renders the canonical output-mismatch message:
// "Inconsistent value returned from action: <got> is not of type '<expected>'".
func inconsistentValueMessage(got any, schemaJSON string) string {
	expected := "object"
	var schemaDoc map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &schemaDoc); err == nil {
		if t, ok := schemaDoc["type"].(string); ok {
			expected = t
		}
	}
	return fmt.Sprintf("Inconsistent value returned from action: %s is not of type '%s'",
		renderValue(got), expected)
}

// renderValue prints a value the way the action author saw it in Python.
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case string:
		return "'" + t + "'"
	case json.Number:
		return t.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
