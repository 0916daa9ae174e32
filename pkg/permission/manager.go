// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package permission resolves every file operation an agent attempts
// against the set of managed paths for the current task. Unmanaged paths
// are always denied; managed paths are matched depth-first, so the deepest
// managed ancestor decides.
package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Permission is the access level granted on a managed path.
type Permission int

const (
	Read Permission = iota
	Write
)

func (p Permission) String() string {
	if p == Write {
		return "write"
	}
	return "read"
}

// ParsePermission parses "read" or "write".
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	default:
		return Read, fmt.Errorf("invalid permission %q (want read or write)", s)
	}
}

// Op is a file operation being checked.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return "read"
	}
}

// Phase mirrors the engine phase relevant to permissions: context-path
// writes are suppressed while coordination runs and re-enabled for the
// winner during presentation.
type Phase int

const (
	PhaseRunning Phase = iota
	PhasePresenting
)

// ManagedPath is a user-configured context path with its permission and
// protected subpaths that stay read-only even when the parent is writable.
type ManagedPath struct {
	Path              string
	Perm              Permission
	ProtectedSubpaths []string
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

type entryKind int

const (
	kindContext entryKind = iota
	kindWorkspace
	kindSnapshot
	kindPeerView
)

type entry struct {
	path      string // cleaned absolute path
	perm      Permission
	protected []string
	kind      entryKind
	owner     string // agent id for workspace entries
}

// excludedPatterns always downgrade Write/Delete to Read regardless of the
// parent permission, except inside the caller's own workspace root. VCS
// metadata, env files, dependency caches, engine state.
var excludedPatterns = []string{
	".git", ".hg", ".svn",
	".env",
	"node_modules", "__pycache__", ".venv", "venv",
	".massgen",
}

// Manager owns all ManagedPath state for one task.
//
// Thread-safe.
type Manager struct {
	mu        sync.RWMutex
	entries   []entry
	phase     Phase
	winner    string
	reads     map[string]map[string]struct{} // agent -> resolved paths read
	logger    *zap.Logger
}

// NewManager creates a permission manager over the configured context
// paths. Paths are cleaned and made absolute; registration of agent
// workspaces and snapshot roots happens separately.
func NewManager(contextPaths []ManagedPath, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		reads:  make(map[string]map[string]struct{}),
		logger: logger,
	}

	for _, cp := range contextPaths {
		abs, err := filepath.Abs(filepath.Clean(cp.Path))
		if err != nil {
			return nil, fmt.Errorf("context path %q: %w", cp.Path, err)
		}
		m.entries = append(m.entries, entry{
			path:      abs,
			perm:      cp.Perm,
			protected: cp.ProtectedSubpaths,
			kind:      kindContext,
		})
	}
	m.sortEntries()
	return m, nil
}

// RegisterWorkspace declares an agent's live workspace root. The owning
// agent always has Write inside it; other agents have no access at all
// (peers see snapshots, never live workspaces).
func (m *Manager) RegisterWorkspace(agentID, root string) {
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		abs = filepath.Clean(root)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{
		path:  abs,
		perm:  Write,
		kind:  kindWorkspace,
		owner: agentID,
	})
	m.sortEntries()
}

// RegisterSnapshotRoot declares a snapshot directory. Snapshots are
// immutable: read-only for every agent.
func (m *Manager) RegisterSnapshotRoot(root string) {
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		abs = filepath.Clean(root)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{
		path: abs,
		perm: Read,
		kind: kindSnapshot,
	})
	m.sortEntries()
}

// RegisterPeerViewRoot declares the directory under which agentID's
// read-only views of peer snapshots are materialized. Only the viewing
// agent may read it; nobody writes it through tools.
func (m *Manager) RegisterPeerViewRoot(agentID, root string) {
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		abs = filepath.Clean(root)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{
		path:  abs,
		perm:  Read,
		kind:  kindPeerView,
		owner: agentID,
	})
	m.sortEntries()
}

// SetPhase switches between Running and Presenting.
func (m *Manager) SetPhase(phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = phase
}

// SetWinner records the agent that regains Write on context paths during
// Presenting.
func (m *Manager) SetWinner(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.winner = agentID
}

// ResetTask clears per-task trackers (read-before-delete log, winner).
func (m *Manager) ResetTask() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = make(map[string]map[string]struct{})
	m.winner = ""
	m.phase = PhaseRunning
}

// sortEntries keeps entries ordered deepest-first so the first prefix
// match is the deepest managed ancestor. Caller holds m.mu.
func (m *Manager) sortEntries() {
	sort.SliceStable(m.entries, func(i, j int) bool {
		return len(m.entries[i].path) > len(m.entries[j].path)
	})
}

// Check resolves path and decides op for agentID. Successful reads are
// recorded for the read-before-delete rule.
func (m *Manager) Check(agentID string, op Op, path string) Decision {
	resolved, err := Resolve(path)
	if err != nil {
		return deny(fmt.Sprintf("cannot resolve path: %v", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.deepestAncestor(resolved)
	if !ok {
		return deny("path is not under any managed path")
	}

	d := m.decide(agentID, op, resolved, ent)
	if d.Allowed && op == OpRead {
		if m.reads[agentID] == nil {
			m.reads[agentID] = make(map[string]struct{})
		}
		m.reads[agentID][resolved] = struct{}{}
	}
	if !d.Allowed && (op == OpWrite || op == OpDelete) {
		// Blocked writes are hard-logged; blocked reads are soft.
		m.logger.Warn("write blocked by permission manager",
			zap.String("agent_id", agentID),
			zap.String("op", op.String()),
			zap.String("path", resolved),
			zap.String("reason", d.Reason))
	}
	return d
}

// decide applies the rules for a resolved path under entry ent.
// Caller holds m.mu.
func (m *Manager) decide(agentID string, op Op, resolved string, ent entry) Decision {
	switch ent.kind {
	case kindWorkspace:
		if ent.owner != agentID {
			return deny(fmt.Sprintf("live workspace of agent %s is not accessible to peers", ent.owner))
		}
		// Own workspace stays writable even for excluded patterns.
		if op == OpDelete {
			return m.checkReadBeforeDelete(agentID, resolved)
		}
		return allow()

	case kindSnapshot:
		if op != OpRead {
			return deny("snapshots are immutable")
		}
		return allow()

	case kindPeerView:
		if ent.owner != agentID {
			return deny(fmt.Sprintf("peer views of agent %s are private to that agent", ent.owner))
		}
		if op != OpRead {
			return deny("peer views are read-only")
		}
		return allow()

	default: // context path
		if op == OpRead {
			return allow()
		}
		if ent.perm != Write {
			return deny(fmt.Sprintf("context path %s is read-only", ent.path))
		}
		if pattern, hit := matchExcluded(resolved); hit {
			return deny(fmt.Sprintf("path matches excluded pattern %q", pattern))
		}
		if sub, hit := matchProtected(ent, resolved); hit {
			return deny(fmt.Sprintf("path is under protected subpath %q", sub))
		}
		if m.phase != PhasePresenting {
			return deny("context paths are read-only during coordination")
		}
		if agentID != m.winner {
			return deny("only the winner may write context paths during presentation")
		}
		if op == OpDelete {
			return m.checkReadBeforeDelete(agentID, resolved)
		}
		return allow()
	}
}

// checkReadBeforeDelete denies a delete unless the same agent successfully
// read the exact resolved path earlier in this task. Caller holds m.mu.
func (m *Manager) checkReadBeforeDelete(agentID, resolved string) Decision {
	if _, ok := m.reads[agentID][resolved]; !ok {
		return deny("delete requires a prior successful read of the same path")
	}
	return allow()
}

// deepestAncestor finds the deepest managed entry containing resolved.
// Caller holds m.mu.
func (m *Manager) deepestAncestor(resolved string) (entry, bool) {
	for _, ent := range m.entries {
		if isUnder(resolved, ent.path) {
			return ent, true
		}
	}
	return entry{}, false
}

// isUnder reports whether path is root or inside root, on path-separator
// boundaries.
func isUnder(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// matchExcluded checks every path segment against the exclusion list.
// ".env" matches as a prefix so ".env.local" is caught too.
func matchExcluded(resolved string) (string, bool) {
	for _, seg := range strings.Split(resolved, string(filepath.Separator)) {
		for _, pattern := range excludedPatterns {
			if seg == pattern {
				return pattern, true
			}
			if pattern == ".env" && strings.HasPrefix(seg, ".env") {
				return pattern, true
			}
		}
	}
	return "", false
}

// matchProtected checks the entry's protected subpaths.
func matchProtected(ent entry, resolved string) (string, bool) {
	for _, sub := range ent.protected {
		if isUnder(resolved, filepath.Join(ent.path, sub)) {
			return sub, true
		}
	}
	return "", false
}

// Resolve cleans path, makes it absolute, and follows symlinks once via
// the nearest existing ancestor (the target itself may not exist yet, e.g.
// a write of a new file).
func Resolve(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}

	// Walk up to the nearest existing ancestor, resolve it, rejoin.
	dir := abs
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
		if _, err := os.Stat(dir); err == nil {
			real, err := filepath.EvalSymlinks(dir)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(append([]string{real}, tail...)...), nil
		}
	}
}
