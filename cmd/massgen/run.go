// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/massgen-labs/massgen/pkg/backends/anthropic"
	"github.com/massgen-labs/massgen/pkg/bus"
	"github.com/massgen-labs/massgen/pkg/config"
	"github.com/massgen-labs/massgen/pkg/engine"
	"github.com/massgen-labs/massgen/pkg/governor"
	"github.com/massgen-labs/massgen/pkg/observability"
	"github.com/massgen-labs/massgen/pkg/permission"
	"github.com/massgen-labs/massgen/pkg/session"
	"github.com/massgen-labs/massgen/pkg/templates"
	"github.com/massgen-labs/massgen/pkg/tools"
	"github.com/massgen-labs/massgen/pkg/types"
	"github.com/massgen-labs/massgen/pkg/workspace"
)

func runCoordination(cmd *cobra.Command, args []string) error {
	prompt := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sessionID := session.NewSessionID()
	store, err := session.NewStore(sessionRoot, sessionID, nil)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	logger, err := buildLogger(store.LogPath())
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	contextPaths := make([]permission.ManagedPath, 0, len(cfg.Orchestrator.ContextPaths))
	for _, cp := range cfg.Orchestrator.ContextPaths {
		perm, err := permission.ParsePermission(cp.Permission)
		if err != nil {
			return err
		}
		contextPaths = append(contextPaths, permission.ManagedPath{
			Path:              cp.Path,
			Perm:              perm,
			ProtectedSubpaths: cp.ProtectedPaths,
		})
	}
	perms, err := permission.NewManager(contextPaths, logger.Named("perms"))
	if err != nil {
		return err
	}

	workspaces, err := workspace.NewManager(sessionRoot, sessionID, perms, logger.Named("workspace"))
	if err != nil {
		return err
	}

	events := bus.New(logger.Named("bus"))
	gov := governor.New(governor.Limits{
		AgentTimeout:    cfg.Orchestrator.Timeout.AgentTimeout(),
		AgentMaxTokens:  cfg.Orchestrator.Timeout.AgentMaxTokens,
		GlobalTimeout:   cfg.Orchestrator.Timeout.OrchestratorTimeout(),
		GlobalMaxTokens: cfg.Orchestrator.Timeout.OrchestratorMaxTokens,
	}, logger.Named("governor"))

	registry := tools.NewRegistry(logger.Named("tools"))
	if err := tools.RegisterFilesystemTools(registry, perms, workspaces); err != nil {
		return err
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		return err
	}

	tmpl := templates.New(
		cfg.Orchestrator.VotingSensitivity,
		cfg.Orchestrator.Coordination.EnablePlanningMode,
		cfg.Orchestrator.Coordination.PlanningModeInstruction,
	)

	eng, err := engine.New(cfg, engine.Deps{
		Backends:    backends,
		Registry:    registry,
		Permissions: perms,
		Workspaces:  workspaces,
		Bus:         events,
		Governor:    gov,
		Templates:   tmpl,
		Store:       store,
		Logger:      logger.Named("engine"),
		Tracer:      observability.NewLoggingTracer(logger.Named("trace")),
	})
	if err != nil {
		return err
	}

	watcher, err := workspace.NewWatcher(workspaces, events, logger.Named("watcher"))
	if err != nil {
		logger.Warn("workspace watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task := engine.Task{ID: uuid.New().String()[:8], Prompt: prompt}
	logger.Info("coordination starting",
		zap.String("task_id", task.ID),
		zap.String("session_id", sessionID),
		zap.Int("agents", len(cfg.Agents)))

	for chunk := range eng.Coordinate(ctx, task) {
		printChunk(chunk)
	}
	return eng.Err()
}

// buildBackends constructs one backend per distinct backend_ref.
// Recognized forms: "anthropic/<model>".
func buildBackends(cfg config.Config) (map[string]types.Backend, error) {
	backends := make(map[string]types.Backend)
	for _, agent := range cfg.Agents {
		ref := agent.BackendRef
		if _, ok := backends[ref]; ok {
			continue
		}
		switch {
		case strings.HasPrefix(ref, "anthropic/"):
			backend, err := anthropic.New(anthropic.Options{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  strings.TrimPrefix(ref, "anthropic/"),
			})
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", ref, err)
			}
			backends[ref] = backend
		default:
			return nil, &config.Error{Msg: fmt.Sprintf("unrecognized backend_ref %q (want anthropic/<model>)", ref)}
		}
	}
	return backends, nil
}

// buildLogger logs structured JSON to the session's coordination log
// and warnings upward to stderr.
func buildLogger(logPath string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(logLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(logFile),
		level,
	)
	stderrCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stderr),
		zapcore.WarnLevel,
	)
	return zap.New(zapcore.NewTee(fileCore, stderrCore)), nil
}

func printChunk(chunk types.StreamChunk) {
	switch chunk.Type {
	case types.ChunkContent:
		label := chunk.AgentID
		if label == "" {
			label = "orchestrator"
		}
		fmt.Printf("[%s] %s\n", label, chunk.Text)
	case types.ChunkFinalAnswer:
		fmt.Println("\n=== Final Answer ===")
		fmt.Println(chunk.Text)
	case types.ChunkError:
		fmt.Fprintf(os.Stderr, "[%s] error: %s\n", chunk.AgentID, chunk.ErrMessage)
	}
}
