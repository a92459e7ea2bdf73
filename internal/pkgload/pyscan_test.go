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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/actiond/internal/store"
)

const calculatorSource = `from sema4ai.actions import action


@action
def calculator_sum(v1: float, v2: float) -> float:
    """Sums two numbers.

    Args:
        v1: first operand
        v2: second operand

    Returns:
        The sum of both operands.
    """
    return v1 + v2


def helper(x):
    return x


@action(is_consequential=False)
def greet(
    name: str,
    greeting: str = "Hello",
) -> str:
    """Greets someone."""
    return f"{greeting}, {name}!"
`

func TestScanSourceFindsDecoratedFunctions(t *testing.T) {
	eps := ScanSource("calculator.py", []byte(calculatorSource))
	require.Len(t, eps, 2)

	sum := eps[0]
	assert.Equal(t, "calculator_sum", sum.Name)
	assert.Equal(t, store.ActionKindAction, sum.Kind)
	assert.Equal(t, "calculator.py", sum.File)
	assert.Equal(t, 5, sum.LineNo)
	assert.Equal(t, "float", sum.ReturnAnnotation)
	require.Len(t, sum.Params, 2)
	assert.Equal(t, "v1", sum.Params[0].Name)
	assert.Equal(t, "float", sum.Params[0].Annotation)
	assert.Contains(t, sum.Docstring, "Sums two numbers.")

	greet := eps[1]
	assert.Equal(t, "greet", greet.Name)
	require.Len(t, greet.Params, 2)
	assert.True(t, greet.Params[1].HasDefault)
	assert.Equal(t, `"Hello"`, greet.Params[1].Default)
}

func TestScanSourceKinds(t *testing.T) {
	src := `
@query
def find_things(q: str) -> str:
    return q

@tool
def do_thing() -> str:
    return "x"

@mcp.prompt()
def a_prompt(topic: str) -> str:
    return topic

@resource("data://{name}")
def a_resource(name: str) -> str:
    return name
`
	eps := ScanSource("f.py", []byte(src))
	require.Len(t, eps, 4)
	assert.Equal(t, store.ActionKindQuery, eps[0].Kind)
	assert.Equal(t, store.ActionKindTool, eps[1].Kind)
	assert.Equal(t, store.ActionKindPrompt, eps[2].Kind)
	assert.Equal(t, store.ActionKindResource, eps[3].Kind)
}

func TestScanSourceIgnoresNestedAndUndecorated(t *testing.T) {
	src := `
class Thing:
    @action
    def method(self):
        pass

@unknown_decorator
def plain():
    pass
`
	eps := ScanSource("f.py", []byte(src))
	assert.Empty(t, eps)
}

func TestScanSourceAsyncAndComplexAnnotations(t *testing.T) {
	src := `
@action
async def fetch(urls: list[str], limit: int = 10, extra: dict = None) -> list[dict]:
    """Fetches stuff."""
    pass
`
	eps := ScanSource("f.py", []byte(src))
	require.Len(t, eps, 1)
	ep := eps[0]
	assert.Equal(t, "fetch", ep.Name)
	require.Len(t, ep.Params, 3)
	assert.Equal(t, "list[str]", ep.Params[0].Annotation)
	assert.Equal(t, "list[dict]", ep.ReturnAnnotation)
	assert.True(t, ep.Params[1].HasDefault)
}

func TestBuildSchemasManagedParams(t *testing.T) {
	src := `
@action
def send_mail(to: str, secret: Secret, request: Request, count: int = 1) -> bool:
    """Sends mail."""
    pass
`
	eps := ScanSource("f.py", []byte(src))
	require.Len(t, eps, 1)

	schemas, err := BuildSchemas(eps[0])
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "object",
		"properties": {
			"to": {"type": "string"},
			"count": {"type": "integer", "default": 1}
		},
		"required": ["to"]
	}`, schemas.Input)
	assert.JSONEq(t, `{"type": "boolean"}`, schemas.Output)
	assert.Equal(t, map[string]string{"secret": "Secret", "request": "Request"}, schemas.Managed)
}

func TestBuildSchemasDescriptionsFromDocstring(t *testing.T) {
	eps := ScanSource("calculator.py", []byte(calculatorSource))
	require.NotEmpty(t, eps)

	schemas, err := BuildSchemas(eps[0])
	require.NoError(t, err)
	assert.Contains(t, schemas.Input, `"description":"first operand"`)
	assert.JSONEq(t, `{"type": "number"}`, schemas.Output)
}

func TestAnnotationSchemaMappings(t *testing.T) {
	cases := map[string]string{
		"str":                    "string",
		"int":                    "integer",
		"float":                  "number",
		"bool":                   "boolean",
		"dict":                   "object",
		"dict[str, int]":         "object",
		"CustomClass":            "object",
		"typing.Optional[str]":   "string",
		"sema4ai.actions.Response[str]": "object",
	}
	for annotation, wantType := range cases {
		schema := annotationSchema(annotation)
		assert.Equal(t, wantType, schema["type"], "annotation %q", annotation)
	}

	listSchema := annotationSchema("list[int]")
	assert.Equal(t, "array", listSchema["type"])
	items := listSchema["items"].(map[string]any)
	assert.Equal(t, "integer", items["type"])

	// No annotation accepts anything.
	assert.Empty(t, annotationSchema(""))
}
