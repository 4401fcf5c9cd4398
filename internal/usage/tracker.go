// Package usage tracks token consumption per provider and model and
// persists the running totals next to the project data.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bit-shift-io/construct/internal/llm"
)

// Counts accumulates token totals.
type Counts struct {
	Requests   int64 `json:"requests"`
	Prompt     int64 `json:"prompt_tokens"`
	Completion int64 `json:"completion_tokens"`
	Cached     int64 `json:"cached_tokens"`
}

func (c *Counts) add(u llm.Usage) {
	c.Requests++
	c.Prompt += int64(u.PromptTokens)
	c.Completion += int64(u.CompletionTokens)
	c.Cached += int64(u.CachedTokens)
}

// Data is the persisted usage file.
type Data struct {
	Version    string            `json:"version"`
	Since      time.Time         `json:"since"`
	Totals     Counts            `json:"totals"`
	ByProvider map[string]Counts `json:"by_provider"`
	ByModel    map[string]Counts `json:"by_model"`
}

func newData() Data {
	return Data{
		Version:    "1.0",
		Since:      time.Now(),
		ByProvider: make(map[string]Counts),
		ByModel:    make(map[string]Counts),
	}
}

// Tracker records usage and writes it through to disk after each update.
// Updates are low-frequency (one per completion), so write-through keeps
// the file honest without a flush timer.
type Tracker struct {
	mu     sync.Mutex
	path   string
	data   Data
	logger *zap.Logger
}

var _ llm.UsageRecorder = (*Tracker)(nil)

// NewTracker opens or creates the usage file at path.
func NewTracker(path string, logger *zap.Logger) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}

	t := &Tracker{path: path, data: newData(), logger: logger}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if jerr := json.Unmarshal(raw, &t.data); jerr != nil {
			// Corrupt file: start over rather than refusing to run.
			logger.Warn("usage file unreadable, resetting", zap.Error(jerr))
			t.data = newData()
		}
	}
	return t, nil
}

// Record adds one completion's token counts.
func (t *Tracker) Record(provider, model string, u llm.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Totals.add(u)

	p := t.data.ByProvider[provider]
	p.add(u)
	t.data.ByProvider[provider] = p

	if model != "" {
		m := t.data.ByModel[model]
		m.add(u)
		t.data.ByModel[model] = m
	}

	if err := t.save(); err != nil {
		t.logger.Warn("failed to persist usage", zap.Error(err))
	}
}

// Snapshot returns a copy of the current totals.
func (t *Tracker) Snapshot() Data {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.data
	out.ByProvider = make(map[string]Counts, len(t.data.ByProvider))
	for k, v := range t.data.ByProvider {
		out.ByProvider[k] = v
	}
	out.ByModel = make(map[string]Counts, len(t.data.ByModel))
	for k, v := range t.data.ByModel {
		out.ByModel[k] = v
	}
	return out
}

func (t *Tracker) save() error {
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".usage-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), t.path)
}
