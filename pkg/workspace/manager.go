// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package workspace allocates per-agent working directories, snapshots
// them at each accepted answer, and exposes read-only peer views. Peers
// only ever see snapshots; live workspaces are private to their owner.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/massgen-labs/massgen/pkg/permission"
)

// Snapshot is an immutable, content-addressed copy of an agent workspace
// at one answer version.
type Snapshot struct {
	ID      string
	AgentID string
	Version int
	Dir     string
}

// Manager owns workspace and snapshot lifetime for one task.
//
// Thread-safe.
type Manager struct {
	base      string // session root, e.g. ".massgen"
	sessionID string
	perms     *permission.Manager
	logger    *zap.Logger

	mu        sync.Mutex
	live      map[string]string     // agent -> live workspace dir
	latest    map[string]Snapshot   // agent -> latest snapshot
	snapshots map[string][]Snapshot // agent -> all snapshots, version order
}

// NewManager creates the workspace manager rooted at base. The snapshot
// root is registered with the permission manager as read-only.
func NewManager(base, sessionID string, perms *permission.Manager, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		base:      base,
		sessionID: sessionID,
		perms:     perms,
		logger:    logger,
		live:      make(map[string]string),
		latest:    make(map[string]Snapshot),
		snapshots: make(map[string][]Snapshot),
	}

	for _, dir := range []string{m.workspacesRoot(), m.tempRoot(), m.snapshotsRoot()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if perms != nil {
		perms.RegisterSnapshotRoot(m.snapshotsRoot())
	}
	return m, nil
}

func (m *Manager) workspacesRoot() string {
	return filepath.Join(m.base, "workspaces")
}

func (m *Manager) tempRoot() string {
	return filepath.Join(m.base, "temp_workspaces")
}

// viewRoot is where agentID's views of peer snapshots live.
func (m *Manager) viewRoot(agentID string) string {
	dir := filepath.Join(m.tempRoot(), agentID)
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

func (m *Manager) snapshotsRoot() string {
	return filepath.Join(m.base, "sessions", m.sessionID, "snapshots")
}

// Ensure creates (if needed) and returns the agent's live workspace
// directory, registering it with the permission manager.
func (m *Manager) Ensure(agentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dir, ok := m.live[agentID]; ok {
		return dir, nil
	}

	dir := filepath.Join(m.workspacesRoot(), agentID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create workspace for %s: %w", agentID, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	m.live[agentID] = abs
	if m.perms != nil {
		m.perms.RegisterWorkspace(agentID, abs)
		m.perms.RegisterPeerViewRoot(agentID, m.viewRoot(agentID))
	}

	m.logger.Debug("workspace allocated",
		zap.String("agent_id", agentID),
		zap.String("dir", abs))
	return abs, nil
}

// Dir returns the agent's live workspace directory if allocated.
func (m *Manager) Dir(agentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.live[agentID]
	return dir, ok
}

// Snapshot copies the agent's live workspace into an immutable
// content-addressed snapshot for the given answer version.
func (m *Manager) Snapshot(agentID string, version int) (Snapshot, error) {
	m.mu.Lock()
	src, ok := m.live[agentID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("no workspace for agent %s", agentID)
	}

	id, err := hashTree(src)
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash workspace of %s: %w", agentID, err)
	}

	dst := filepath.Join(m.snapshotsRoot(), agentID, fmt.Sprintf("v%d", version))
	if err := copyTree(src, dst, true); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot workspace of %s: %w", agentID, err)
	}

	snap := Snapshot{
		ID:      id,
		AgentID: agentID,
		Version: version,
		Dir:     dst,
	}

	m.mu.Lock()
	m.latest[agentID] = snap
	m.snapshots[agentID] = append(m.snapshots[agentID], snap)
	m.mu.Unlock()

	m.logger.Info("workspace snapshot taken",
		zap.String("agent_id", agentID),
		zap.Int("version", version),
		zap.String("snapshot_id", id))
	return snap, nil
}

// LatestSnapshot returns the agent's most recent snapshot.
func (m *Manager) LatestSnapshot(agentID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.latest[agentID]
	return snap, ok
}

// ReadView materializes a read-only view of peer's latest snapshot for
// agentID under temp_workspaces. Returns an error if the peer has no
// snapshot yet.
func (m *Manager) ReadView(agentID, peerID string) (string, error) {
	snap, ok := m.LatestSnapshot(peerID)
	if !ok {
		return "", fmt.Errorf("agent %s has no snapshot", peerID)
	}

	dst := filepath.Join(m.viewRoot(agentID), peerID)
	if err := os.RemoveAll(dst); err != nil {
		return "", fmt.Errorf("clear peer view: %w", err)
	}
	if err := copyTree(snap.Dir, dst, true); err != nil {
		return "", fmt.Errorf("materialize peer view: %w", err)
	}
	return dst, nil
}

// Restore replaces the agent's live workspace contents with the given
// snapshot. Used for snapshot round-trip verification and restarts.
func (m *Manager) Restore(agentID string, snap Snapshot) error {
	m.mu.Lock()
	dst, ok := m.live[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no workspace for agent %s", agentID)
	}

	if err := clearDir(dst); err != nil {
		return fmt.Errorf("clear workspace of %s: %w", agentID, err)
	}
	if err := copyTree(snap.Dir, dst, false); err != nil {
		return fmt.Errorf("restore workspace of %s: %w", agentID, err)
	}
	return nil
}

// Finalize copies the winner's live workspace into every Write-permitted
// context path, consulting the permission manager per file so protected
// and excluded subpaths are skipped. Returns the paths written.
//
// Only files delivered here count as task output; contents left in the
// winner's workspace do not.
func (m *Manager) Finalize(winnerID string, contextPaths []permission.ManagedPath) ([]string, error) {
	m.mu.Lock()
	src, ok := m.live[winnerID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no workspace for winner %s", winnerID)
	}

	var written []string
	for _, cp := range contextPaths {
		if cp.Perm != permission.Write {
			continue
		}
		err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			dst := filepath.Join(cp.Path, rel)
			if m.perms != nil {
				if d := m.perms.Check(winnerID, permission.OpWrite, dst); !d.Allowed {
					m.logger.Warn("finalize skipped path",
						zap.String("path", dst),
						zap.String("reason", d.Reason))
					return nil
				}
			}
			if err := copyFile(path, dst, info.Mode().Perm()); err != nil {
				return fmt.Errorf("copy %s: %w", rel, err)
			}
			written = append(written, dst)
			return nil
		})
		if err != nil {
			return written, err
		}
	}

	m.logger.Info("winner workspace finalized",
		zap.String("winner", winnerID),
		zap.Int("files_written", len(written)))
	return written, nil
}

// Reset removes all live workspace contents (used between attempts when a
// restart asks for a clean slate is NOT desired; attempts keep workspaces,
// so this is only called by tests and explicit cleanup).
func (m *Manager) Reset(agentID string) error {
	m.mu.Lock()
	dir, ok := m.live[agentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return clearDir(dir)
}
