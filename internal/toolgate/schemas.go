package toolgate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"foreman/internal/domain"
)

// Tool names understood by the default executor.
const (
	ToolWriteFile         = "write_file"
	ToolReadFile          = "read_file"
	ToolDeleteFile        = "delete_file"
	ToolListFiles         = "list_files"
	ToolUpdateIssueStatus = "update_issue_status"
	ToolCreateIssue       = "create_issue"
	ToolResetIssue        = "reset_issue"
)

func statusEnum() []any {
	out := make([]any, 0, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		out = append(out, string(s))
	}
	return out
}

func defaultSchemas() map[string]map[string]any {
	pathProp := map[string]any{"type": "string", "minLength": 1}
	return map[string]map[string]any{
		ToolWriteFile: {
			"type":     "object",
			"required": []any{"path", "content"},
			"properties": map[string]any{
				"path":    pathProp,
				"content": map[string]any{"type": "string"},
			},
		},
		ToolReadFile: {
			"type":       "object",
			"required":   []any{"path"},
			"properties": map[string]any{"path": pathProp},
		},
		ToolDeleteFile: {
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path":    pathProp,
				"confirm": map[string]any{"type": "boolean"},
			},
		},
		ToolListFiles: {
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
		},
		ToolUpdateIssueStatus: {
			"type":     "object",
			"required": []any{"status"},
			"properties": map[string]any{
				"status":      map[string]any{"type": "string", "enum": statusEnum()},
				"wait_reason": map[string]any{"type": []any{"string", "null"}},
				"issue_id":    map[string]any{"type": "string"},
			},
		},
		ToolCreateIssue: {
			"type":     "object",
			"required": []any{"summary"},
			"properties": map[string]any{
				"summary":     map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"priority":    map[string]any{"type": "number", "minimum": 0},
				"depends_on":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"seat":        map[string]any{"type": "string"},
			},
		},
		ToolResetIssue: {
			"type": "object",
			"properties": map[string]any{
				"issue_id": map[string]any{"type": "string"},
				"confirm":  map[string]any{"type": "boolean"},
			},
		},
	}
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", name, err)
	}
	return c.Compile(url)
}
