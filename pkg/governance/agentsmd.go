package governance

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rcli/relay/pkg/errors"
)

const (
	instructionsFile = "AGENTS.md"
	// maxInstructionBytes caps the combined text that reaches the prompt.
	maxInstructionBytes = 16 * 1024
)

// Instruction is one AGENTS.md file.
type Instruction struct {
	Path string
	Text string
}

// AgentInstructions are the AGENTS.md files that apply to a directory,
// outermost first, so later files refine earlier ones.
type AgentInstructions struct {
	Files []Instruction
}

// LoadAGENTS collects AGENTS.md files from startDir up to the enclosing
// repository root, the first directory holding .git, or the filesystem
// root when there is none. It returns nil when no file applies.
func LoadAGENTS(startDir string) (*AgentInstructions, error) {
	if strings.TrimSpace(startDir) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "instructions directory is required", nil)
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "resolve instructions directory", err).
			WithContext("dir", startDir)
	}

	var found []Instruction
	for {
		path := filepath.Join(dir, instructionsFile)
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if text := strings.TrimSpace(string(raw)); text != "" {
				found = append(found, Instruction{Path: path, Text: text})
			}
		case !os.IsNotExist(err) && !isDirErr(path):
			return nil, errors.New(errors.CodeInternal, "read instructions", err).WithContext("path", path)
		}

		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if len(found) == 0 {
		return nil, nil
	}
	for i, j := 0, len(found)-1; i < j; i, j = i+1, j-1 {
		found[i], found[j] = found[j], found[i]
	}
	return &AgentInstructions{Files: found}, nil
}

func isDirErr(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Text joins the files. When the total exceeds the cap the outermost text
// is dropped first, since the nearest file is the most specific.
func (a *AgentInstructions) Text() string {
	if a == nil {
		return ""
	}
	parts := make([]string, len(a.Files))
	for i, f := range a.Files {
		parts[i] = f.Text
	}
	text := strings.Join(parts, "\n\n")
	if len(text) <= maxInstructionBytes {
		return text
	}
	cut := len(text) - maxInstructionBytes
	for cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut++
	}
	return text[cut:]
}

// SystemPrompt appends the instructions to base as their own section.
func (a *AgentInstructions) SystemPrompt(base string) string {
	base = strings.TrimSpace(base)
	text := a.Text()
	switch {
	case text == "":
		return base
	case base == "":
		return text
	default:
		return base + "\n\n# Project instructions\n\n" + text
	}
}
