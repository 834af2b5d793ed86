// Package promptmanager owns the on-disk working-doc -> frozen-handoff
// transform for a task (spec.md §4.B). Each task gets a directory keyed by
// the first 8 characters of its task_id, holding working.md, handoff.md,
// and handoff.json.
package promptmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/vocorch/internal/store"
)

// ErrPreconditionNotMet is returned by Freeze when the working doc is missing.
var ErrPreconditionNotMet = errors.New("precondition not met")

var standardConstraints = []string{
	"Must pass existing test suite",
	"No breaking changes to public API without explicit approval",
}

// WorkingDoc is the deep-mergeable in-progress prompt for a task.
type WorkingDoc struct {
	TaskID       string   `json:"task_id"`
	Title        string   `json:"title"`
	Intent       string   `json:"intent"`
	Requirements []string `json:"requirements"`
	Constraints  []string `json:"constraints"`
	Context      string   `json:"context"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HandoffRecord is the canonical structure produced by Freeze.
type HandoffRecord struct {
	Goal              string   `json:"goal"`
	DefinitionOfDone  []string `json:"definition_of_done"`
	Constraints       []string `json:"constraints"`
	RequiredArtifacts []string `json:"required_artifacts"`
	GatesRequired     []string `json:"gates_required"`
}

// Manager owns the working-doc/handoff lifecycle and emits store events.
type Manager struct {
	root  string
	store *store.Store
}

// New creates a Manager rooted at root (created if absent), emitting events
// through s.
func New(root string, s *store.Store) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("promptmanager: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("promptmanager: create root: %w", err)
	}
	return &Manager{root: abs, store: s}, nil
}

func (m *Manager) taskDir(taskID string) string {
	key := taskID
	if len(key) > 8 {
		key = key[:8]
	}
	return filepath.Join(m.root, key)
}

func (m *Manager) workingPath(taskID string) string { return filepath.Join(m.taskDir(taskID), "working.json") }
func (m *Manager) workingMDPath(taskID string) string { return filepath.Join(m.taskDir(taskID), "working.md") }
func (m *Manager) handoffMDPath(taskID string) string { return filepath.Join(m.taskDir(taskID), "handoff.md") }
func (m *Manager) handoffJSONPath(taskID string) string { return filepath.Join(m.taskDir(taskID), "handoff.json") }

// Init creates the working doc directory and an empty working doc.
func (m *Manager) Init(taskID, title string) error {
	if err := os.MkdirAll(m.taskDir(taskID), 0o755); err != nil {
		return fmt.Errorf("promptmanager: init: %w", err)
	}
	doc := WorkingDoc{TaskID: taskID, Title: title, UpdatedAt: time.Now().UTC()}
	return m.writeDoc(doc)
}

func (m *Manager) readDoc(taskID string) (*WorkingDoc, error) {
	data, err := os.ReadFile(m.workingPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("promptmanager: read working doc: %w", err)
	}
	var doc WorkingDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("promptmanager: parse working doc: %w", err)
	}
	return &doc, nil
}

func (m *Manager) writeDoc(doc WorkingDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.workingPath(doc.TaskID), data, 0o644); err != nil {
		return err
	}
	return os.WriteFile(m.workingMDPath(doc.TaskID), renderWorkingMarkdown(doc), 0o644)
}

func renderWorkingMarkdown(doc WorkingDoc) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.Title)
	if doc.Intent != "" {
		fmt.Fprintf(&b, "## Intent\n\n%s\n\n", doc.Intent)
	}
	if len(doc.Requirements) > 0 {
		b.WriteString("## Requirements\n\n")
		for _, r := range doc.Requirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}
	if len(doc.Constraints) > 0 {
		b.WriteString("## Constraints\n\n")
		for _, c := range doc.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if doc.Context != "" {
		fmt.Fprintf(&b, "## Context\n\n%s\n", doc.Context)
	}
	return []byte(b.String())
}

func unionAppend(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range incoming {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Update deep-merges the given fields into the task's working doc and emits
// WorkingPromptUpdated. Requirements and constraints are merged as sets (by
// value); context is appended with a blank-line separator.
func (m *Manager) Update(ctx context.Context, taskID string, title, intent *string, requirements, constraints []string, appendContext *string) error {
	doc, err := m.readDoc(taskID)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = &WorkingDoc{TaskID: taskID}
	}
	if title != nil {
		doc.Title = *title
	}
	if intent != nil {
		doc.Intent = *intent
	}
	doc.Requirements = unionAppend(doc.Requirements, requirements)
	doc.Constraints = unionAppend(doc.Constraints, constraints)
	if appendContext != nil && *appendContext != "" {
		if doc.Context == "" {
			doc.Context = *appendContext
		} else {
			doc.Context = doc.Context + "\n\n" + *appendContext
		}
	}
	doc.UpdatedAt = time.Now().UTC()

	if err := m.writeDoc(*doc); err != nil {
		return err
	}

	if m.store != nil {
		payload, _ := json.Marshal(map[string]string{"working_prompt_path": m.workingMDPath(taskID)})
		_, err := m.store.AppendEvent(ctx, store.TaskEvent{
			TaskID:  taskID,
			Type:    store.EventWorkingPromptUpdated,
			Payload: string(payload),
		})
		return err
	}
	return nil
}

// Freeze parses the working doc into a canonical HandoffRecord, writes
// handoff.md and handoff.json, and emits HandoffFrozen. Fails with
// ErrPreconditionNotMet when the working doc is missing.
func (m *Manager) Freeze(ctx context.Context, taskID string) (*HandoffRecord, error) {
	doc, err := m.readDoc(taskID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("freeze %s: %w", taskID, ErrPreconditionNotMet)
	}

	record := &HandoffRecord{
		Goal:              doc.Intent,
		DefinitionOfDone:  append([]string(nil), doc.Requirements...),
		Constraints:       unionAppend(doc.Constraints, standardConstraints),
		RequiredArtifacts: []string{"diff summary", "test output"},
		GatesRequired:     []string{"write_gate", "run_gate"},
	}

	jsonData, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(m.handoffJSONPath(taskID), jsonData, 0o644); err != nil {
		return nil, fmt.Errorf("promptmanager: write handoff.json: %w", err)
	}
	if err := os.WriteFile(m.handoffMDPath(taskID), renderHandoffMarkdown(record), 0o644); err != nil {
		return nil, fmt.Errorf("promptmanager: write handoff.md: %w", err)
	}

	if m.store != nil {
		payload, _ := json.Marshal(map[string]string{"handoff_prompt_path": m.handoffMDPath(taskID)})
		if _, err := m.store.AppendEvent(ctx, store.TaskEvent{
			TaskID:  taskID,
			Type:    store.EventHandoffFrozen,
			Payload: string(payload),
		}); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func renderHandoffMarkdown(r *HandoffRecord) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Handoff\n\n## Goal\n\n%s\n\n", r.Goal)
	b.WriteString("## Definition of Done\n\n")
	for _, d := range r.DefinitionOfDone {
		fmt.Fprintf(&b, "- %s\n", d)
	}
	b.WriteString("\n## Constraints\n\n")
	for _, c := range r.Constraints {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\n## Required Artifacts\n\n")
	for _, a := range r.RequiredArtifacts {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	b.WriteString("\n## Gates Required\n\n")
	for _, g := range r.GatesRequired {
		fmt.Fprintf(&b, "- %s\n", g)
	}
	return []byte(b.String())
}
