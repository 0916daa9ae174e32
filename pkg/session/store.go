// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package session persists coordination state under the session root:
// task metadata, per-agent chunk transcripts, vote records, and a
// SQLite index over the transcript for post-hoc queries.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/massgen-labs/massgen/pkg/types"
)

// Store writes the persisted session layout:
//
//	sessions/<session_id>/
//	  task.json
//	  index.db
//	  transcripts/<attempt>/<agent_id>.ndjson
//	  votes/<attempt>.json
//	logs/<session_id>/coordination.log
//
// Thread-safe; transcript appends take the store lock.
type Store struct {
	root      string
	sessionID string
	db        *sql.DB
	logger    *zap.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// TaskRecord is the persisted task metadata.
type TaskRecord struct {
	TaskID    string          `json:"task_id"`
	SessionID string          `json:"session_id"`
	Prompt    string          `json:"prompt"`
	CreatedAt time.Time       `json:"created_at"`
	Config    json.RawMessage `json:"config"`
}

// VoteRecord is one persisted vote.
type VoteRecord struct {
	Voter  string `json:"voter"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// NewSessionID returns a short unique session identifier.
func NewSessionID() string {
	return uuid.New().String()[:8]
}

// NewStore opens (creating if needed) the session layout under root.
func NewStore(root, sessionID string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sessionDir := filepath.Join(root, "sessions", sessionID)
	for _, dir := range []string{
		filepath.Join(sessionDir, "transcripts"),
		filepath.Join(sessionDir, "votes"),
		filepath.Join(root, "logs", sessionID),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", filepath.Join(sessionDir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open transcript index: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		root:      root,
		sessionID: sessionID,
		db:        db,
		logger:    logger,
		files:     make(map[string]*os.File),
	}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		attempt    INTEGER NOT NULL,
		agent_id   TEXT    NOT NULL,
		seq        INTEGER NOT NULL,
		chunk_type TEXT    NOT NULL,
		source     TEXT    NOT NULL,
		ts         TEXT    NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_agent ON chunks(attempt, agent_id, seq);
	CREATE TABLE IF NOT EXISTS answers (
		attempt  INTEGER NOT NULL,
		agent_id TEXT    NOT NULL,
		version  INTEGER NOT NULL,
		content  TEXT    NOT NULL,
		ts       TEXT    NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init transcript index schema: %w", err)
	}
	return nil
}

// SessionID returns the store's session identifier.
func (s *Store) SessionID() string {
	return s.sessionID
}

// LogPath returns the coordination log file path for this session.
func (s *Store) LogPath() string {
	return filepath.Join(s.root, "logs", s.sessionID, "coordination.log")
}

// SaveTask persists the task metadata and a config snapshot.
func (s *Store) SaveTask(taskID, prompt string, config interface{}) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}
	rec := TaskRecord{
		TaskID:    taskID,
		SessionID: s.sessionID,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
		Config:    raw,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}
	path := filepath.Join(s.root, "sessions", s.sessionID, "task.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write task record: %w", err)
	}
	return nil
}

// AppendChunk appends the chunk to its agent's per-attempt transcript
// and indexes it. The transcript file is the source of truth; an index
// failure is logged and swallowed.
func (s *Store) AppendChunk(attempt int, chunk types.StreamChunk) error {
	line, err := chunk.MarshalNDJSON()
	if err != nil {
		return fmt.Errorf("marshal transcript chunk: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.transcriptFileLocked(attempt, chunk.AgentID)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript chunk: %w", err)
	}

	if _, err := s.db.Exec(
		"INSERT INTO chunks (attempt, agent_id, seq, chunk_type, source, ts) VALUES (?, ?, ?, ?, ?, ?)",
		attempt, chunk.AgentID, chunk.Sequence, string(chunk.Type), string(chunk.Source),
		chunk.Timestamp.UTC().Format(time.RFC3339Nano),
	); err != nil {
		s.logger.Warn("transcript index insert failed", zap.Error(err))
	}
	return nil
}

func (s *Store) transcriptFileLocked(attempt int, agentID string) (*os.File, error) {
	if agentID == "" {
		agentID = "orchestrator"
	}
	key := fmt.Sprintf("%d/%s", attempt, agentID)
	if f, ok := s.files[key]; ok {
		return f, nil
	}

	dir := filepath.Join(s.root, "sessions", s.sessionID, "transcripts", fmt.Sprintf("%d", attempt))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, agentID+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	s.files[key] = f
	return f, nil
}

// IndexAnswer records an accepted answer in the index.
func (s *Store) IndexAnswer(attempt int, agentID string, version int, content string) {
	if _, err := s.db.Exec(
		"INSERT INTO answers (attempt, agent_id, version, content, ts) VALUES (?, ?, ?, ?, ?)",
		attempt, agentID, version, content, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		s.logger.Warn("answer index insert failed", zap.Error(err))
	}
}

// SaveVotes persists the attempt's vote ledger.
func (s *Store) SaveVotes(attempt int, votes []VoteRecord) error {
	data, err := json.MarshalIndent(votes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal votes: %w", err)
	}
	path := filepath.Join(s.root, "sessions", s.sessionID, "votes", fmt.Sprintf("%d.json", attempt))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write votes: %w", err)
	}
	return nil
}

// ChunkCount returns the indexed chunk count for an agent in an
// attempt. Used by inspection tooling and tests.
func (s *Store) ChunkCount(attempt int, agentID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM chunks WHERE attempt = ? AND agent_id = ?",
		attempt, agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query transcript index: %w", err)
	}
	return n, nil
}

// Close flushes and closes all transcript files and the index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = make(map[string]*os.File)
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
