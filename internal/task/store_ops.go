package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Patch describes a partial update to a task's mutable fields. A nil pointer
// field means "leave unchanged"; Unset* flags allow clearing a field
// explicitly since the zero value is also a valid target state.
type Patch struct {
	Title         *string
	Priority      *Priority
	Routing       *Routing
	SLA           *SLA
	Resource      *string
	Metadata      map[string]string
	MetadataUnset []string
	ParentID      *string
}

// Update applies a non-transition patch to mutable task fields. It does not
// move the task between status directories.
func (s *Store) Update(id string, patch Patch) (Task, error) {
	var result Task
	err := s.withLock(func() error {
		path, found, err := s.locate(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t, err := s.readTaskFile(path)
		if err != nil {
			return err
		}
		applyPatch(&t, patch)
		t.UpdatedAt = s.clock()
		if err := t.SLA.Validate(); err != nil {
			return err
		}
		if err := s.writeTaskFile(t); err != nil {
			return err
		}
		result = t
		return nil
	})
	return result, err
}

// WithDirectWrite persists t exactly as given, re-validating the status and
// lease invariants but performing no transition bookkeeping and no status
// directory move. It exists for collaborators (e.g. the lease manager) that
// need to rewrite a field in place without going through Transition. t.Status
// must match the task's current on-disk status.
func (s *Store) WithDirectWrite(t Task) error {
	return s.withLock(func() error {
		path, found, err := s.locate(t.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
		}
		existing, err := s.readTaskFile(path)
		if err != nil {
			return err
		}
		if existing.Status != t.Status {
			return fmt.Errorf("task: direct write status mismatch for %s: on-disk=%s given=%s", t.ID, existing.Status, t.Status)
		}
		return s.writeTaskFile(t)
	})
}

func applyPatch(t *Task, patch Patch) {
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Priority != nil {
		t.Priority = patch.Priority.normalized()
	}
	if patch.Routing != nil {
		t.Routing = patch.Routing.clone()
	}
	if patch.SLA != nil {
		t.SLA = *patch.SLA
	}
	if patch.Resource != nil {
		t.Resource = *patch.Resource
	}
	if patch.ParentID != nil {
		t.ParentID = *patch.ParentID
	}
	for k, v := range patch.Metadata {
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		t.Metadata[k] = v
	}
	for _, k := range patch.MetadataUnset {
		delete(t.Metadata, k)
	}
}

// TransitionOptions carries the audit context for a transition (§4.1).
type TransitionOptions struct {
	Reason string
	Agent  string
}

// Transition moves a task to newStatus, validating against the transition
// table, clearing or requiring leases per invariant 3, and relocating the
// task file (and companion directories) atomically.
func (s *Store) Transition(id string, newStatus Status, opts TransitionOptions) (Task, error) {
	var result Task
	err := s.withLock(func() error {
		path, found, err := s.locate(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t, err := s.readTaskFile(path)
		if err != nil {
			return err
		}
		if !CanTransition(t.Status, newStatus) {
			return &ErrIllegalTransition{From: t.Status, To: newStatus}
		}
		from := t.Status
		if from == newStatus {
			result = t
			return nil
		}
		if newStatus.RequiresLease() && (t.Lease == nil || !t.Lease.Active(s.clock())) {
			return fmt.Errorf("%w: task %s has no active lease", ErrLeaseRequired, id)
		}
		if clearsLease(newStatus) {
			t.Lease = nil
		}
		now := s.clock()
		t.Status = newStatus
		t.UpdatedAt = now
		t.LastTransitionAt = now
		if opts.Reason != "" {
			if t.Metadata == nil {
				t.Metadata = map[string]string{}
			}
			t.Metadata["lastTransitionReason"] = opts.Reason
		}
		if err := s.assertLeaseInvariant(t); err != nil {
			return err
		}
		// Move the companion directory first (it has no identically-named
		// file blocking the rename), then write the updated file straight
		// into its new status directory, then remove the stale copy. A
		// crash between these steps leaves the new file as the sole
		// authoritative copy; locate() tolerates the brief window where
		// both directories might be inspected by a concurrent reader.
		if err := s.moveCompanionDir(id, from, newStatus); err != nil {
			return err
		}
		if err := s.writeTaskFile(t); err != nil {
			return err
		}
		oldFile := s.taskFilePath(from, id)
		if err := os.Remove(oldFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("task: remove stale file at old status: %w", err)
		}
		result = t
		return nil
	})
	return result, err
}

// moveCompanionDir relocates a task's inputs/outputs companion directory
// when its status directory changes, if one exists.
func (s *Store) moveCompanionDir(id string, from, to Status) error {
	if from == to {
		return nil
	}
	fromCompanion := s.companionDir(from, id)
	info, err := os.Stat(fromCompanion)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(s.statusDir(to), 0o755); err != nil {
		return err
	}
	toCompanion := s.companionDir(to, id)
	if err := os.Rename(fromCompanion, toCompanion); err != nil {
		return fmt.Errorf("task: move companion dir %s -> %s: %w", from, to, err)
	}
	return nil
}

// Block transitions a task to blocked, recording reason as metadata.
func (s *Store) Block(id, reason string) (Task, error) {
	return s.Transition(id, StatusBlocked, TransitionOptions{Reason: reason})
}

// Unblock transitions a blocked task back to ready.
func (s *Store) Unblock(id string) (Task, error) {
	return s.Transition(id, StatusReady, TransitionOptions{Reason: "unblocked"})
}

// Cancel transitions a task to cancelled from any non-terminal status.
func (s *Store) Cancel(id, reason string) (Task, error) {
	return s.Transition(id, StatusCancelled, TransitionOptions{Reason: reason})
}

// Delete permanently removes a task file and its companion directory. Only
// tasks in a terminal status may be deleted.
func (s *Store) Delete(id string) error {
	return s.withLock(func() error {
		path, found, err := s.locate(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t, err := s.readTaskFile(path)
		if err != nil {
			return err
		}
		if !t.Status.Terminal() {
			return fmt.Errorf("task: %s is not terminal (status=%s); cancel before deleting", id, t.Status)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("task: delete %s: %w", id, err)
		}
		companion := s.companionDir(t.Status, id)
		if _, statErr := os.Stat(companion); statErr == nil {
			if err := os.RemoveAll(companion); err != nil {
				return fmt.Errorf("task: delete companion dir for %s: %w", id, err)
			}
		}
		return nil
	})
}

// UpdateBody replaces a task's markdown body without touching its metadata.
func (s *Store) UpdateBody(id, body string) (Task, error) {
	var result Task
	err := s.withLock(func() error {
		path, found, err := s.locate(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t, err := s.readTaskFile(path)
		if err != nil {
			return err
		}
		t.Body = body
		t.UpdatedAt = s.clock()
		if err := s.writeTaskFile(t); err != nil {
			return err
		}
		result = t
		return nil
	})
	return result, err
}

// AddDep appends depID to the task's DependsOn list if not already present.
func (s *Store) AddDep(id, depID string) (Task, error) {
	var result Task
	err := s.withLock(func() error {
		path, found, err := s.locate(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t, err := s.readTaskFile(path)
		if err != nil {
			return err
		}
		if id == depID {
			return fmt.Errorf("task: %s cannot depend on itself", id)
		}
		if !t.HasDependency(depID) {
			t.DependsOn = append(t.DependsOn, depID)
			sort.Strings(t.DependsOn)
			t.UpdatedAt = s.clock()
			if err := s.writeTaskFile(t); err != nil {
				return err
			}
		}
		result = t
		return nil
	})
	return result, err
}

// RemoveDep removes depID from the task's DependsOn list, if present.
func (s *Store) RemoveDep(id, depID string) (Task, error) {
	var result Task
	err := s.withLock(func() error {
		path, found, err := s.locate(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t, err := s.readTaskFile(path)
		if err != nil {
			return err
		}
		filtered := t.DependsOn[:0:0]
		for _, dep := range t.DependsOn {
			if dep != depID {
				filtered = append(filtered, dep)
			}
		}
		if len(filtered) != len(t.DependsOn) {
			t.DependsOn = filtered
			t.UpdatedAt = s.clock()
			if err := s.writeTaskFile(t); err != nil {
				return err
			}
		}
		result = t
		return nil
	})
	return result, err
}

// WriteTaskOutput persists a named output artifact under the task's
// companion outputs/ directory, atomically.
func (s *Store) WriteTaskOutput(id, name string, data []byte) error {
	return s.withLock(func() error {
		path, found, err := s.locate(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		t, err := s.readTaskFile(path)
		if err != nil {
			return err
		}
		if err := validateCompanionName(name); err != nil {
			return err
		}
		dir := s.outputsDir(t.Status, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("task: create outputs dir: %w", err)
		}
		final := filepath.Join(dir, name)
		tmp, err := os.CreateTemp(dir, ".output-*.tmp")
		if err != nil {
			return fmt.Errorf("task: create temp output: %w", err)
		}
		tmpPath := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("task: write output: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpPath)
			return err
		}
		if err := os.Rename(tmpPath, final); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("task: finalize output: %w", err)
		}
		return nil
	})
}

// GetTaskInputs lists the names of files under the task's inputs/ companion
// directory.
func (s *Store) GetTaskInputs(id string) ([]string, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return listCompanionNames(s.inputsDir(t.Status, id))
}

// GetTaskOutputs lists the names of files under the task's outputs/ companion
// directory.
func (s *Store) GetTaskOutputs(id string) ([]string, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return listCompanionNames(s.outputsDir(t.Status, id))
}

func listCompanionNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("task: read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func validateCompanionName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return fmt.Errorf("task: invalid companion file name %q", name)
	}
	return nil
}

// LintIssue describes one structural defect found by Lint.
type LintIssue struct {
	TaskID   string
	Severity string // "error" or "warning"
	Message  string
}

// Lint scans every task for structural problems that would not otherwise
// surface until a scheduler or cascade operation trips over them: dangling
// dependency references, lease invariant violations, and directory/status
// mismatches. It never mutates the store.
func (s *Store) Lint() ([]LintIssue, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	var issues []LintIssue
	now := s.clock()
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				issues = append(issues, LintIssue{
					TaskID: t.ID, Severity: "error",
					Message: fmt.Sprintf("depends on unknown task %s", dep),
				})
			}
		}
		if err := s.assertLeaseInvariant(t); err != nil {
			issues = append(issues, LintIssue{TaskID: t.ID, Severity: "error", Message: err.Error()})
		}
		if t.Lease != nil && !t.Lease.Active(now) && t.Status == StatusInProgress {
			issues = append(issues, LintIssue{
				TaskID: t.ID, Severity: "warning",
				Message: fmt.Sprintf("lease expired at %s but task is still in-progress", t.Lease.ExpiresAt),
			})
		}
		if err := t.SLA.Validate(); err != nil {
			issues = append(issues, LintIssue{TaskID: t.ID, Severity: "error", Message: err.Error()})
		}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].TaskID < issues[j].TaskID })
	return issues, nil
}
