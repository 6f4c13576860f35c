package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rcli/relay/pkg/skills"
)

const defaultMaxReadBytes = 64 * 1024

// DirEntry is one item of fs.list_dir.
type DirEntry struct {
	Name  string `json:"name"`
	Dir   bool   `json:"dir"`
	Bytes int64  `json:"bytes,omitempty"`
}

type sandbox struct {
	root string
}

// resolve maps a user path into the sandbox and rejects escapes.
func (s sandbox) resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		rel, err := filepath.Rel(s.root, clean)
		if err != nil {
			return "", fmt.Errorf("path %q is outside the workspace", p)
		}
		clean = rel
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	full := filepath.Join(s.root, clean)
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		if rel, err := filepath.Rel(s.root, resolved); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q is outside the workspace", p)
		}
	}
	return full, nil
}

// FS reads and writes files below root. Writes need confirmation.
func FS(root string, maxRead int) skills.Skill {
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if maxRead <= 0 {
		maxRead = defaultMaxReadBytes
	}
	box := sandbox{root: root}
	pathParam := skills.Property{Name: "path", Kind: skills.KindString, Description: "Path relative to the workspace", Required: true}

	return skills.Skill{
		Name:        "fs",
		Description: "Read, list and write files in the workspace",
		Category:    "fs",
		Tools: []skills.ToolSpec{
			{
				Name:        "read_file",
				Description: "Read a text file",
				Parameters:  skills.Schema{pathParam},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					full, err := box.resolve(args.String("path"))
					if err != nil {
						return nil, err
					}
					f, err := os.Open(full)
					if err != nil {
						return nil, cleanFSError(err)
					}
					defer f.Close()
					buf := make([]byte, maxRead+1)
					n, err := io.ReadFull(f, buf)
					if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
						return nil, cleanFSError(err)
					}
					if n > maxRead {
						return string(buf[:maxRead]) + "\n[truncated]", nil
					}
					return string(buf[:n]), nil
				},
			},
			{
				Name:        "list_dir",
				Description: "List a directory",
				Parameters: skills.Schema{
					{Name: "path", Kind: skills.KindString, Description: "Directory relative to the workspace (default .)"},
					{Name: "pattern", Kind: skills.KindString, Description: "Glob filter such as *.go"},
				},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					full, err := box.resolve(args.String("path"))
					if err != nil {
						return nil, err
					}
					entries, err := os.ReadDir(full)
					if err != nil {
						return nil, cleanFSError(err)
					}
					pattern := args.String("pattern")
					out := make([]DirEntry, 0, len(entries))
					for _, e := range entries {
						if pattern != "" {
							if ok, err := filepath.Match(pattern, e.Name()); err != nil {
								return nil, fmt.Errorf("bad pattern: %w", err)
							} else if !ok {
								continue
							}
						}
						item := DirEntry{Name: e.Name(), Dir: e.IsDir()}
						if info, err := e.Info(); err == nil && !e.IsDir() {
							item.Bytes = info.Size()
						}
						out = append(out, item)
					}
					sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
					return out, nil
				},
			},
			{
				Name:        "write_file",
				Description: "Create or overwrite a text file",
				Parameters: skills.Schema{
					pathParam,
					{Name: "content", Kind: skills.KindString, Description: "File content", Required: true},
				},
				RequiresConfirmation: true,
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					full, err := box.resolve(args.String("path"))
					if err != nil {
						return nil, err
					}
					if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
						return nil, cleanFSError(err)
					}
					content := args.String("content")
					if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
						return nil, cleanFSError(err)
					}
					return fmt.Sprintf("wrote %d bytes to %s", len(content), args.String("path")), nil
				},
			},
		},
	}
}

// cleanFSError drops absolute paths from errors shown to the model.
func cleanFSError(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s: %v", pe.Op, pe.Err)
	}
	return err
}
