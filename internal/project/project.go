// Package project resolves task project references to local working
// trees and inspects their git state.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// Project is a configured local working tree a task can run in.
type Project struct {
	ID   string
	Name string
	Path string
}

// Resolver maps task project ids and names to configured projects.
type Resolver struct {
	byID   map[string]Project
	byName map[string]Project
	logger *zap.Logger
}

// NewResolver builds a resolver over the configured project list.
func NewResolver(projects []Project, logger *zap.Logger) *Resolver {
	r := &Resolver{
		byID:   make(map[string]Project, len(projects)),
		byName: make(map[string]Project, len(projects)),
		logger: logger,
	}
	for _, p := range projects {
		r.byID[p.ID] = p
		r.byName[strings.ToLower(p.Name)] = p
	}
	return r
}

// Resolve returns the project path for a task. ID match wins over name
// match; an empty string means no project could be resolved.
func (r *Resolver) Resolve(id, name string) (Project, bool) {
	if id != "" {
		if p, ok := r.byID[id]; ok {
			return p, true
		}
	}
	if name != "" {
		if p, ok := r.byName[strings.ToLower(name)]; ok {
			return p, true
		}
	}
	return Project{}, false
}

// Branch reports the current branch of the working tree at path, or an
// empty string when the path is not a git repository.
func (r *Resolver) Branch(path string) string {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if head.Name().IsBranch() {
		return head.Name().Short()
	}
	return head.Hash().String()[:8]
}

// selfMarker identifies this tool's own working tree.
const selfMarker = ".autoclawd-root"

// IsSelfTree reports whether path is this tool's own source tree, which
// is detected by the presence of both go.mod and the marker file.
func IsSelfTree(path string) bool {
	if _, err := os.Stat(filepath.Join(path, "go.mod")); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, selfMarker)); err != nil {
		return false
	}
	return true
}

// Validate checks that every configured project path exists.
func Validate(projects []Project) error {
	for _, p := range projects {
		info, err := os.Stat(p.Path)
		if err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("project %s: %s is not a directory", p.ID, p.Path)
		}
	}
	return nil
}
