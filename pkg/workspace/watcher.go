// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/massgen-labs/massgen/pkg/bus"
	"github.com/massgen-labs/massgen/pkg/types"
)

// Watcher streams live workspace file activity onto the event bus as
// workspace-sourced content chunks, so UIs can show what each agent is
// producing before it snapshots.
type Watcher struct {
	mgr    *Manager
	events *bus.Bus
	fs     *fsnotify.Watcher
	logger *zap.Logger
	done   chan struct{}
}

// NewWatcher starts watching every currently-allocated workspace and any
// directory created under one later.
func NewWatcher(mgr *Manager, events *bus.Bus, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		mgr:    mgr,
		events: events,
		fs:     fsw,
		logger: logger,
		done:   make(chan struct{}),
	}

	mgr.mu.Lock()
	roots := make([]string, 0, len(mgr.live))
	for _, dir := range mgr.live {
		roots = append(roots, dir)
	}
	mgr.mu.Unlock()

	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fs.Add(event.Name); err != nil {
				w.logger.Warn("cannot watch new directory",
					zap.String("dir", event.Name),
					zap.Error(err))
			}
			return
		}
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}

	agentID, rel, ok := w.attribute(event.Name)
	if !ok {
		return
	}

	w.events.Publish(types.StreamChunk{
		Chunk:   types.NewContentChunk("workspace file updated: " + rel),
		AgentID: agentID,
		Source:  types.SourceWorkspace,
	})
}

// attribute maps a filesystem path back to the owning agent.
func (w *Watcher) attribute(path string) (agentID, rel string, ok bool) {
	w.mgr.mu.Lock()
	defer w.mgr.mu.Unlock()

	for id, root := range w.mgr.live {
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			r, err := filepath.Rel(root, path)
			if err != nil {
				return "", "", false
			}
			return id, r, true
		}
	}
	return "", "", false
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
