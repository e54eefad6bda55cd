// Package toolcall pulls tool invocations and guard decisions out of free-form
// model output.
package toolcall

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

// Call is one proposed tool invocation.
type Call struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

var fenceRE = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")

// Objects returns every well-formed JSON object in text. Fenced blocks are
// decoded first, in order; the text outside the fences is then scanned for
// balanced brace spans. Fenced content tolerates comments and trailing commas.
func Objects(text string) []map[string]any {
	var out []map[string]any
	rest := []byte(text)
	for _, loc := range fenceRE.FindAllStringSubmatchIndex(text, -1) {
		body := text[loc[2]:loc[3]]
		out = append(out, decodeBlock(body)...)
		for i := loc[0]; i < loc[1]; i++ {
			rest[i] = ' '
		}
	}
	out = append(out, scan(string(rest))...)
	return out
}

// Extract returns the tool calls found in text in emission order. Objects
// without a string "tool" key are ignored.
func Extract(text string) []Call {
	var calls []Call
	for _, obj := range Objects(text) {
		if c, ok := asCall(obj); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

func asCall(obj map[string]any) (Call, bool) {
	name, ok := obj["tool"].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return Call{}, false
	}
	args, _ := obj["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return Call{Tool: strings.TrimSpace(name), Args: args}, true
}

func decodeBlock(body string) []map[string]any {
	trimmed := bytes.TrimSpace(jsonc.ToJSON([]byte(body)))
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		switch x := v.(type) {
		case map[string]any:
			return []map[string]any{x}
		case []any:
			var out []map[string]any
			for _, item := range x {
				if m, ok := item.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out
		}
		return nil
	}
	// Several objects in one fence, or prose mixed in.
	return scan(body)
}

// maxObject bounds the bytes of a single decoded span.
const maxObject = 1 << 20

// scan walks text and decodes each balanced {...} span that parses as JSON.
// A span that fails to parse is skipped one byte at a time so objects nested
// inside it can still be found. Each brace is matched at most once.
func scan(text string) []map[string]any {
	var out []map[string]any
	closes := map[int]int{}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := closes[i]
		if !ok {
			matchBraces(text, i, closes)
			end = closes[i]
		}
		if end < 0 || end-i >= maxObject {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(text[i:end+1]), &m); err != nil {
			continue
		}
		out = append(out, m)
		i = end
	}
	return out
}

// matchBraces walks text from the brace at start, honoring JSON string
// literals, and records in closes the closing index of every brace opened on
// the way, or -1 for braces still open at the end of text. The walk stops once
// start is closed.
func matchBraces(text string, start int, closes map[int]int) {
	var open []int
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			open = append(open, i)
		case '}':
			closes[open[len(open)-1]] = i
			open = open[:len(open)-1]
			if len(open) == 0 {
				return
			}
		}
	}
	for _, j := range open {
		closes[j] = -1
	}
}
