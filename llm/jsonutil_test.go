package llm

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string // if non-empty, check this key exists in parsed JSON
		wantErr bool
	}{
		{
			name:    "plain JSON",
			input:   `{"feasible": true}`,
			wantKey: "feasible",
		},
		{
			name:    "markdown code block",
			input:   "```json\n{\"feasible\": true}\n```",
			wantKey: "feasible",
		},
		{
			name:    "markdown block with trailing text",
			input:   "```json\n{\"title\": \"x\"}\n```\n\nSome commentary after the block.",
			wantKey: "title",
		},
		{
			name:    "line comments in values",
			input:   "```json\n{\n  \"patches\": [\n    \"one\",  // the first patch\n    \"two\"   // the second\n  ]\n}\n```",
			wantKey: "patches",
		},
		{
			name:    "comments and trailing commas",
			input:   "```json\n{\n  \"risks\": [\n    \"a\",  // first\n    \"b\",  // second\n  ]\n}\n```",
			wantKey: "risks",
		},
		{
			name:    "URL in string not stripped",
			input:   `{"url": "http://example.com/path"}`,
			wantKey: "url",
		},
		{
			name:    "URL in string with comment after",
			input:   "{\"url\": \"http://example.com/path\"} // trailing",
			wantKey: "url",
		},
		{
			name:    "bare object in prose",
			input:   "Here is the plan:\n{\"phases\": []}\nLet me know.",
			wantKey: "phases",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "no JSON at all",
			input:   "This is just text with no JSON.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractJSON(tt.input)

			if tt.wantErr {
				if result != "" {
					t.Errorf("expected empty result, got: %s", result)
				}
				return
			}

			if result == "" {
				t.Fatal("expected JSON result, got empty string")
			}

			var parsed map[string]any
			if err := json.Unmarshal([]byte(result), &parsed); err != nil {
				t.Fatalf("result is not valid JSON: %v\n%s", err, result)
			}
			if tt.wantKey != "" {
				if _, ok := parsed[tt.wantKey]; !ok {
					t.Errorf("expected key %q in parsed JSON", tt.wantKey)
				}
			}
		})
	}
}

func TestStripLineComment(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no comment", `"key": "value"`, `"key": "value"`},
		{"comment after value", `"key": "value", // note`, `"key": "value",`},
		{"url survives", `"url": "http://x.com/y"`, `"url": "http://x.com/y"`},
		{"escaped quote in string", `"key": "say \"hi\" // not a comment"`, `"key": "say \"hi\" // not a comment"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripLineComment(tt.input); got != tt.want {
				t.Errorf("stripLineComment(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
