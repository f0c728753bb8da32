// Package filestore implements the daemon's persisted state layout from
// spec §6: one JSON file per entity under a daemon home directory, written
// with write-temp-then-atomic-rename so a crash never leaves a partially
// written record on disk.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Home resolves the daemon's on-disk layout, rooted at baseDir (default
// "<user-home>/.love-me").
type Home struct {
	baseDir string
}

// NewHome ensures the daemon home directory and its subdirectories exist.
// An empty baseDir resolves to "<user-home>/.love-me".
func NewHome(baseDir string) (*Home, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("filestore: resolve user home: %w", err)
		}
		baseDir = filepath.Join(home, ".love-me")
	}

	h := &Home{baseDir: baseDir}
	for _, dir := range []string{h.WorkflowsDir(), h.ExecutionsDir(), h.ConversationsDir(), h.AttachmentsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
		}
	}
	return h, nil
}

func (h *Home) Base() string              { return h.baseDir }
func (h *Home) WorkflowsDir() string       { return filepath.Join(h.baseDir, "workflows") }
func (h *Home) ExecutionsDir() string      { return filepath.Join(h.baseDir, "executions") }
func (h *Home) ConversationsDir() string   { return filepath.Join(h.baseDir, "conversations") }
func (h *Home) AttachmentsDir() string     { return filepath.Join(h.baseDir, "attachments") }
func (h *Home) EmailCredentialsFile() string { return filepath.Join(h.baseDir, "email.json") }
func (h *Home) EmailStateFile() string     { return filepath.Join(h.baseDir, "email-state.json") }
func (h *Home) EmailThreadsFile() string   { return filepath.Join(h.baseDir, "email-threads.json") }
func (h *Home) EmailTriggersFile() string  { return filepath.Join(h.baseDir, "email-triggers.json") }

func (h *Home) WorkflowFile(id string) string  { return filepath.Join(h.WorkflowsDir(), id+".json") }
func (h *Home) ExecutionFile(id string) string { return filepath.Join(h.ExecutionsDir(), id+".json") }
func (h *Home) ConversationFile(id string) string {
	return filepath.Join(h.ConversationsDir(), id+".json")
}
