package task

import "path/filepath"

const tasksSubdir = "tasks"

func (s *Store) statusDir(status Status) string {
	return filepath.Join(s.root, tasksSubdir, string(status))
}

func (s *Store) taskFilePath(status Status, id string) string {
	return filepath.Join(s.statusDir(status), id+".md")
}

func (s *Store) companionDir(status Status, id string) string {
	return filepath.Join(s.statusDir(status), id)
}

func (s *Store) inputsDir(status Status, id string) string {
	return filepath.Join(s.companionDir(status, id), "inputs")
}

func (s *Store) outputsDir(status Status, id string) string {
	return filepath.Join(s.companionDir(status, id), "outputs")
}

func (s *Store) eventsDir() string {
	return filepath.Join(s.root, "events")
}

func (s *Store) viewsDir() string {
	return filepath.Join(s.root, "views")
}

func (s *Store) lockDir() string {
	if s.lockRoot != "" {
		return s.lockRoot
	}
	return filepath.Join(s.root, ".locks")
}
