// Package userdata reads per-user prompt enrichment from disk: a
// free-form profile and a skills manifest. Layout under the root dir:
//
//	{root}/{user}/profile.md
//	{root}/{user}/skills.json    [{"name","description","file"}, ...]
//	{root}/{user}/<skill files>
//
// Missing files simply mean "no profile" or "no skills". Reads happen
// on every turn so edits take effect without a restart.
package userdata

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store implements the runtime's ProfileSource over a directory tree.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a store rooted at dir.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{root: dir, logger: logger}
}

// Profile returns the user's profile text, or "" when absent.
func (s *Store) Profile(userID string) string {
	data, err := os.ReadFile(filepath.Join(s.root, userID, "profile.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type skillEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	File        string `json:"file"`
}

// SkillsBlock renders the user's skills manifest plus each referenced
// file's content, or "" when no manifest exists.
func (s *Store) SkillsBlock(userID string) string {
	dir := filepath.Join(s.root, userID)
	data, err := os.ReadFile(filepath.Join(dir, "skills.json"))
	if err != nil {
		return ""
	}
	var entries []skillEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("skills manifest unreadable", "user", userID, "error", err)
		return ""
	}

	var sb strings.Builder
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		sb.WriteString("## " + e.Name + "\n")
		if e.Description != "" {
			sb.WriteString(e.Description + "\n")
		}
		if e.File != "" {
			// Manifest references stay inside the user's directory.
			name := filepath.Base(e.File)
			if body, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
				sb.WriteString(strings.TrimSpace(string(body)) + "\n")
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
