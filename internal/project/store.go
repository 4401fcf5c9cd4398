// Package project manages the textual state artifacts kept inside each
// project directory: plan.md, tasks.md, roadmap.md, history.log and
// feed.json.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Store reads and writes one project's state artifacts. All writes go
// through a temp file and rename so a crash never leaves a half-written
// artifact behind.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore opens a store rooted at the project directory, creating it
// if needed.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}
	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute project directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name)
}

// writeAtomic writes via temp file + rename.
func (s *Store) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.root, "."+name+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// WritePlan stores the approved plan text.
func (s *Store) WritePlan(text string) error {
	return s.writeAtomic("plan.md", []byte(text))
}

// ReadPlan returns the stored plan, or empty when none exists.
func (s *Store) ReadPlan() string {
	data, err := os.ReadFile(s.path("plan.md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// TaskLine is one checklist row for tasks.md.
type TaskLine struct {
	Description string
	Done        bool
}

// WriteTasks renders the step checklist to tasks.md.
func (s *Store) WriteTasks(lines []TaskLine) error {
	var b strings.Builder
	b.WriteString("# Tasks\n\n")
	for _, l := range lines {
		box := " "
		if l.Done {
			box = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", box, l.Description)
	}
	return s.writeAtomic("tasks.md", []byte(b.String()))
}

// ReadTasks returns tasks.md content, or empty when none exists.
func (s *Store) ReadTasks() string {
	data, err := os.ReadFile(s.path("tasks.md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// ReadRoadmap returns roadmap.md content, or empty when none exists.
func (s *Store) ReadRoadmap() string {
	data, err := os.ReadFile(s.path("roadmap.md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// AppendHistory appends a timestamped entry to history.log. Unlike the
// other artifacts this one is append-only and never rewritten.
func (s *Store) AppendHistory(content string) error {
	f, err := os.OpenFile(s.path("history.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history.log: %w", err)
	}
	entry := fmt.Sprintf("## [%s]\n%s\n\n",
		time.Now().Format("2006-01-02 15:04:05"),
		strings.TrimSpace(content))
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to history.log: %w", err)
	}
	return f.Close()
}

// LogCommand records a command execution in the history.
// Output is truncated to keep the log readable.
func (s *Store) LogCommand(command, output string, success bool) error {
	status := "✅"
	if !success {
		status = "❌"
	}
	if len(output) > 1000 {
		output = output[:1000]
	}
	entry := fmt.Sprintf("%s **Command**: `%s`\n```\n%s\n```", status, command, output)
	return s.AppendHistory(entry)
}

// WriteSummary stores the task summary and records it in the history.
func (s *Store) WriteSummary(text string) error {
	if err := s.writeAtomic("summary.md", []byte(text)); err != nil {
		return err
	}
	return s.AppendHistory("**Summary**: " + text)
}

// SaveFeed persists the renderer state as JSON.
func (s *Store) SaveFeed(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal feed state: %w", err)
	}
	return s.writeAtomic("feed.json", data)
}

// LoadFeed restores the renderer state. Returns os.ErrNotExist when no
// feed has been persisted yet.
func (s *Store) LoadFeed(v interface{}) error {
	data, err := os.ReadFile(s.path("feed.json"))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse feed state: %w", err)
	}
	return nil
}

// ReadFile returns a project file's contents after a jail check.
// Paths resolving outside the project root are refused.
func (s *Store) ReadFile(rel string) (string, error) {
	target := filepath.Join(s.root, rel)
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rel, err)
	}
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		s.logger.Warn("path escapes project root", zap.String("path", rel))
		return "", fmt.Errorf("path %s escapes the project directory", rel)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return string(data), nil
}

// PlannerContext assembles the roadmap and task text fed to the planner.
func (s *Store) PlannerContext() string {
	var b strings.Builder
	if roadmap := s.ReadRoadmap(); roadmap != "" {
		b.WriteString("## Roadmap\n")
		b.WriteString(roadmap)
		b.WriteString("\n")
	}
	if tasks := s.ReadTasks(); tasks != "" {
		b.WriteString("## Current Tasks\n")
		b.WriteString(tasks)
		b.WriteString("\n")
	}
	return b.String()
}
