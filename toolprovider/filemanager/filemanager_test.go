package filemanager

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/minitime/minitime/toolrpc"
)

func call(t *testing.T, p *Provider, name string, args map[string]any) toolrpc.CallResult {
	t.Helper()
	raw, _ := json.Marshal(args)
	for _, tool := range p.Tools() {
		if tool.Definition.Name == name {
			return tool.Execute(context.Background(), raw)
		}
	}
	t.Fatalf("no tool %s", name)
	return toolrpc.CallResult{}
}

func TestWriteReadAppendDelete(t *testing.T) {
	p := New(t.TempDir())

	r := call(t, p, "write_file", map[string]any{"username": "alice", "filename": "notes.txt", "content": "hello"})
	if r.IsError {
		t.Fatalf("write: %s", r.Content)
	}

	r = call(t, p, "append_file", map[string]any{"username": "alice", "filename": "notes.txt", "content": " world"})
	if r.IsError {
		t.Fatalf("append: %s", r.Content)
	}

	r = call(t, p, "read_file", map[string]any{"username": "alice", "filename": "notes.txt"})
	if r.IsError || r.Content != "hello world" {
		t.Errorf("read = %+v", r)
	}

	r = call(t, p, "delete_file", map[string]any{"username": "alice", "filename": "notes.txt"})
	if r.IsError {
		t.Fatalf("delete: %s", r.Content)
	}
	r = call(t, p, "read_file", map[string]any{"username": "alice", "filename": "notes.txt"})
	if !r.IsError {
		t.Error("reading a deleted file should fail")
	}
}

func TestListFiles(t *testing.T) {
	p := New(t.TempDir())

	r := call(t, p, "list_files", map[string]any{"username": "alice"})
	if r.Content != "(workspace is empty)" {
		t.Errorf("empty list = %q", r.Content)
	}

	call(t, p, "write_file", map[string]any{"username": "alice", "filename": "b.txt", "content": "x"})
	call(t, p, "write_file", map[string]any{"username": "alice", "filename": "a.txt", "content": "x"})

	r = call(t, p, "list_files", map[string]any{"username": "alice"})
	if r.Content != "a.txt\nb.txt" {
		t.Errorf("list = %q, want sorted names", r.Content)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	p := New(t.TempDir())
	call(t, p, "write_file", map[string]any{"username": "alice", "filename": "secret.txt", "content": "mine"})

	r := call(t, p, "read_file", map[string]any{"username": "bob", "filename": "secret.txt"})
	if !r.IsError {
		t.Error("bob must not read alice's file")
	}
}

func TestPathEscapesRejected(t *testing.T) {
	p := New(t.TempDir())
	bad := []string{"../outside.txt", "/etc/passwd", "a/../../b"}
	for _, name := range bad {
		r := call(t, p, "read_file", map[string]any{"username": "alice", "filename": name})
		if !r.IsError {
			t.Errorf("filename %q should be rejected", name)
		}
	}
}

func TestMissingIdentityRejected(t *testing.T) {
	p := New(t.TempDir())
	r := call(t, p, "read_file", map[string]any{"filename": "x.txt"})
	if !r.IsError || !strings.Contains(r.Content, "username") {
		t.Errorf("result = %+v", r)
	}
}

func TestReadTruncation(t *testing.T) {
	p := New(t.TempDir())
	long := strings.Repeat("x", maxReadChars+500)
	call(t, p, "write_file", map[string]any{"username": "alice", "filename": "big.txt", "content": long})

	r := call(t, p, "read_file", map[string]any{"username": "alice", "filename": "big.txt"})
	if !strings.HasSuffix(r.Content, "... (truncated)") {
		t.Error("large read should be truncated")
	}
	if len(r.Content) > maxReadChars+100 {
		t.Errorf("content length = %d", len(r.Content))
	}
}
