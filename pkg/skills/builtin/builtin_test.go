package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcli/relay/pkg/skills"
)

func newRegistry(t *testing.T, opts Options) *skills.Registry {
	t.Helper()
	r := skills.NewRegistry()
	if err := Register(r, opts); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func call(t *testing.T, r *skills.Registry, name string, args map[string]any) (any, error) {
	t.Helper()
	tool, err := r.Resolve(name)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", name, err)
	}
	coerced, violations := tool.Parameters().Validate(args)
	if len(violations) > 0 {
		t.Fatalf("%s: violations %v", name, violations)
	}
	return tool.Handler()(context.Background(), coerced)
}

func TestMath(t *testing.T) {
	r := newRegistry(t, Options{Root: t.TempDir()})
	tests := []struct {
		tool string
		a, b float64
		want float64
	}{
		{"math.add", 2, 3, 5},
		{"math.subtract", 2, 3, -1},
		{"math.multiply", 4, 2.5, 10},
		{"math.divide", 9, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			got, err := call(t, r, tt.tool, map[string]any{"a": tt.a, "b": tt.b})
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := call(t, r, "math.divide", map[string]any{"a": 1.0, "b": 0.0}); err == nil || err.Error() != "division by zero" {
		t.Errorf("divide by zero = %v", err)
	}
}

func TestDateTime(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	r := newRegistry(t, Options{Root: t.TempDir(), Now: func() time.Time { return fixed }})

	got, err := call(t, r, "datetime.now", map[string]any{"timezone": "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	now := got.(DateTimeResult)
	if now.ISO != "2026-03-14T15:09:26Z" || now.Weekday != "Saturday" {
		t.Errorf("now = %+v", now)
	}

	got, err = call(t, r, "datetime.parse", map[string]any{"value": "2024-02-29", "timezone": "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	if p := got.(DateTimeResult); p.Weekday != "Thursday" || p.Unix != 1709164800 {
		t.Errorf("parse = %+v", p)
	}

	if _, err := call(t, r, "datetime.parse", map[string]any{"value": "not a date"}); err == nil {
		t.Error("expected parse error")
	}
	if _, err := call(t, r, "datetime.now", map[string]any{"timezone": "Mars/Base"}); err == nil {
		t.Error("expected timezone error")
	}
}

func TestText(t *testing.T) {
	r := newRegistry(t, Options{Root: t.TempDir()})

	got, err := call(t, r, "text.count_words", map[string]any{"text": "one two\nthree"})
	if err != nil {
		t.Fatal(err)
	}
	if s := got.(TextStats); s.Words != 3 || s.Lines != 2 || s.Characters != 13 {
		t.Errorf("stats = %+v", s)
	}

	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"text.upper", map[string]any{"text": "Go"}, "GO"},
		{"text.lower", map[string]any{"text": "Go"}, "go"},
		{"text.replace", map[string]any{"text": "a-a-a", "old": "a", "new": "b"}, "b-b-b"},
		{"text.replace", map[string]any{"text": "a-a-a", "old": "a", "new": "b", "count": "1"}, "b-a-a"},
	}
	for _, tt := range tests {
		got, err := call(t, r, tt.tool, tt.args)
		if err != nil || got != tt.want {
			t.Errorf("%s(%v) = %v, %v; want %q", tt.tool, tt.args, got, err, tt.want)
		}
	}
}

func TestJSON(t *testing.T) {
	r := newRegistry(t, Options{Root: t.TempDir()})
	doc := `{"users":[{"name":"ada","age":36},{"name":"alan","age":41}]}`

	got, err := call(t, r, "json.query", map[string]any{"data": doc, "path": "users.1.name"})
	if err != nil || got != `"alan"` {
		t.Errorf("query = %v, %v", got, err)
	}
	got, err = call(t, r, "json.query", map[string]any{"data": doc, "path": "users.#.age"})
	if err != nil || got != `[36,41]` {
		t.Errorf("query list = %v, %v", got, err)
	}
	if _, err := call(t, r, "json.query", map[string]any{"data": doc, "path": "missing"}); err == nil {
		t.Error("expected missing path error")
	}

	got, err = call(t, r, "json.format", map[string]any{"data": `{ "a" : 1 }`, "minify": true})
	if err != nil || got != `{"a":1}` {
		t.Errorf("minify = %q, %v", got, err)
	}
	got, err = call(t, r, "json.format", map[string]any{"data": `{"a":{"b":1}}`, "indent": 4})
	if err != nil || !strings.Contains(got.(string), "\n        \"b\": 1") {
		t.Errorf("format = %q, %v", got, err)
	}
	if _, err := call(t, r, "json.format", map[string]any{"data": `{bad`}); err == nil {
		t.Error("expected invalid JSON error")
	}
}

func TestFS(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	r := newRegistry(t, Options{Root: root, MaxReadBytes: 8})

	got, err := call(t, r, "fs.read_file", map[string]any{"path": "a.txt"})
	if err != nil || got != "hello" {
		t.Errorf("read = %v, %v", got, err)
	}

	got, err = call(t, r, "fs.list_dir", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	entries := got.([]DirEntry)
	if len(entries) != 2 || entries[0].Name != "a.txt" || entries[0].Bytes != 5 || !entries[1].Dir {
		t.Errorf("list = %+v", entries)
	}

	tool, _ := r.Resolve("fs.write_file")
	if !tool.RequiresConfirmation() {
		t.Error("write_file must require confirmation")
	}
	if _, err := call(t, r, "fs.write_file", map[string]any{"path": "sub/b.txt", "content": "0123456789"}); err != nil {
		t.Fatal(err)
	}
	got, err = call(t, r, "fs.read_file", map[string]any{"path": "sub/b.txt"})
	if err != nil || got != "01234567\n[truncated]" {
		t.Errorf("truncated read = %q, %v", got, err)
	}

	for _, p := range []string{"../escape.txt", "/etc/passwd", "sub/../../x"} {
		if _, err := call(t, r, "fs.read_file", map[string]any{"path": p}); err == nil || !strings.Contains(err.Error(), "outside the workspace") {
			t.Errorf("read %q = %v, want sandbox error", p, err)
		}
	}
	if _, err := call(t, r, "fs.read_file", map[string]any{"path": "nope.txt"}); err == nil || strings.Contains(err.Error(), root) {
		t.Errorf("missing file error = %v", err)
	}
}
