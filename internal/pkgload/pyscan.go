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
	"strings"

	"github.com/tombee/actiond/internal/store"
)

// decoratorKinds maps recognized decorator names to the action kind they
// publish. Decorators may appear bare (@action), called (@action(...)) or
// attribute-qualified (@server.tool); the trailing identifier decides.
var decoratorKinds = map[string]store.ActionKind{
	"action":   store.ActionKindAction,
	"query":    store.ActionKindQuery,
	"predict":  store.ActionKindPredict,
	"tool":     store.ActionKindTool,
	"prompt":   store.ActionKindPrompt,
	"resource": store.ActionKindResource,
}

// Param is one parameter of a discovered entry point.
type Param struct {
	Name       string
	Annotation string
	Default    string
	HasDefault bool
}

// EntryPoint is a decorated function discovered by static analysis.
type EntryPoint struct {
	Kind             store.ActionKind
	Name             string
	File             string
	LineNo           int
	Docstring        string
	Params           []Param
	ReturnAnnotation string
}

// ScanSource finds decorated module-level functions in one Python file.
// The scan is purely textual: user code is never executed or imported.
func ScanSource(file string, src []byte) []*EntryPoint {
	lines := strings.Split(string(src), "\n")
	var found []*EntryPoint

	var pendingKind store.ActionKind
	var havePending bool

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		// Only module-level code publishes actions.
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		trimmed := strings.TrimRight(line, " \t\r")

		if strings.HasPrefix(trimmed, "@") {
			if kind, ok := decoratorKind(trimmed); ok {
				pendingKind = kind
				havePending = true
			}
			// A qualifying decorator survives stacked unknown ones.
			continue
		}

		isDef := strings.HasPrefix(trimmed, "def ") || strings.HasPrefix(trimmed, "async def ")
		if !isDef {
			havePending = false
			continue
		}
		if !havePending {
			continue
		}
		havePending = false

		sig, end := collectSignature(lines, i)
		ep := parseSignature(sig)
		if ep == nil {
			continue
		}
		ep.Kind = pendingKind
		ep.File = file
		ep.LineNo = i + 1
		ep.Docstring = extractDocstring(lines, end+1)
		found = append(found, ep)
		i = end
	}
	return found
}

// decoratorKind resolves "@name", "@name(...)" and "@mod.name(...)".
func decoratorKind(line string) (store.ActionKind, bool) {
	name := strings.TrimPrefix(line, "@")
	if idx := strings.IndexByte(name, '('); idx >= 0 {
		name = name[:idx]
	}
	name = strings.TrimSpace(name)
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		name = name[idx+1:]
	}
	kind, ok := decoratorKinds[name]
	return kind, ok
}

// collectSignature joins the def line with continuation lines until the
// parameter list closes and the header colon is reached.
func collectSignature(lines []string, start int) (string, int) {
	depth := 0
	var b strings.Builder
	for i := start; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t\r")
		b.WriteString(line)
		b.WriteString(" ")
		depth += strings.Count(line, "(") + strings.Count(line, "[") + strings.Count(line, "{")
		depth -= strings.Count(line, ")") + strings.Count(line, "]") + strings.Count(line, "}")
		if depth <= 0 && strings.HasSuffix(line, ":") {
			return b.String(), i
		}
	}
	return b.String(), len(lines) - 1
}

// parseSignature extracts name, parameters and return annotation from a
// joined "def name(params) -> ret:" header.
func parseSignature(sig string) *EntryPoint {
	sig = strings.TrimSpace(sig)
	sig = strings.TrimPrefix(sig, "async ")
	if !strings.HasPrefix(sig, "def ") {
		return nil
	}
	sig = strings.TrimPrefix(sig, "def ")

	open := strings.IndexByte(sig, '(')
	if open < 0 {
		return nil
	}
	name := strings.TrimSpace(sig[:open])
	if name == "" {
		return nil
	}

	closing := matchParen(sig, open)
	if closing < 0 {
		return nil
	}
	paramsRaw := sig[open+1 : closing]

	rest := strings.TrimSpace(sig[closing+1:])
	rest = strings.TrimSuffix(rest, ":")
	var ret string
	if after, ok := strings.CutPrefix(strings.TrimSpace(rest), "->"); ok {
		ret = strings.TrimSpace(after)
	}

	return &EntryPoint{
		Name:             name,
		Params:           parseParams(paramsRaw),
		ReturnAnnotation: ret,
	}
}

// matchParen returns the index of the parenthesis closing the one at open.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseParams splits a parameter list at top-level commas and parses
// each "name: annotation = default" element. Bare *, *args, **kwargs and
// positional-only markers are dropped.
func parseParams(raw string) []Param {
	var params []Param
	for _, piece := range splitTopLevel(raw) {
		piece = strings.TrimSpace(piece)
		if piece == "" || piece == "/" || strings.HasPrefix(piece, "*") {
			continue
		}

		var p Param
		if eq := indexTopLevel(piece, '='); eq >= 0 {
			p.Default = strings.TrimSpace(piece[eq+1:])
			p.HasDefault = true
			piece = strings.TrimSpace(piece[:eq])
		}
		if colon := indexTopLevel(piece, ':'); colon >= 0 {
			p.Annotation = strings.TrimSpace(piece[colon+1:])
			piece = strings.TrimSpace(piece[:colon])
		}
		p.Name = piece
		if p.Name != "" && p.Name != "self" && p.Name != "cls" {
			params = append(params, p)
		}
	}
	return params
}

// splitTopLevel splits on commas not nested inside brackets or quotes.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// indexTopLevel finds the first unnested, unquoted occurrence of c.
func indexTopLevel(s string, c byte) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		default:
			if ch == c && depth == 0 {
				return i
			}
		}
	}
	return -1
}

// extractDocstring reads the triple-quoted string immediately following
// the function header, if any.
func extractDocstring(lines []string, start int) string {
	i := start
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return ""
	}

	line := strings.TrimSpace(lines[i])
	var delim string
	switch {
	case strings.HasPrefix(line, `"""`):
		delim = `"""`
	case strings.HasPrefix(line, `'''`):
		delim = `'''`
	default:
		return ""
	}

	body := strings.TrimPrefix(line, delim)
	if idx := strings.Index(body, delim); idx >= 0 {
		return strings.TrimSpace(body[:idx])
	}

	var parts []string
	if body != "" {
		parts = append(parts, body)
	}
	for j := i + 1; j < len(lines); j++ {
		if idx := strings.Index(lines[j], delim); idx >= 0 {
			parts = append(parts, strings.TrimRight(lines[j][:idx], " \t"))
			break
		}
		parts = append(parts, strings.TrimRight(lines[j], " \t\r"))
	}

	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
