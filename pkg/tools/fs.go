// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/massgen-labs/massgen/pkg/permission"
)

// WorkspaceResolver maps an agent to its live workspace directory.
// Relative tool paths resolve against it.
type WorkspaceResolver interface {
	Dir(agentID string) (string, bool)
}

// fsTool carries the shared plumbing of the filesystem tools.
type fsTool struct {
	perms      *permission.Manager
	workspaces WorkspaceResolver
}

func (t *fsTool) resolve(ctx context.Context, raw string) (agentID, path string, res *Result) {
	agentID = AgentIDFromContext(ctx)
	if raw == "" {
		return "", "", Fail(CodeInvalidParams, "path is required", "")
	}
	path = raw
	if !filepath.IsAbs(path) {
		dir, ok := t.workspaces.Dir(agentID)
		if !ok {
			return "", "", Fail(CodeInvalidParams,
				"relative path without a workspace", "use an absolute path")
		}
		path = filepath.Join(dir, path)
	}
	return agentID, path, nil
}

func permissionResult(d permission.Decision) *Result {
	return Fail(CodePermissionDenied, d.Reason,
		"operate inside your own workspace, or on a permitted context path")
}

// ReadFileTool reads a file the caller may read.
type ReadFileTool struct{ fsTool }

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(perms *permission.Manager, workspaces WorkspaceResolver) *ReadFileTool {
	return &ReadFileTool{fsTool{perms: perms, workspaces: workspaces}}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) SideEffectFree() bool { return true }

func (t *ReadFileTool) Description() string {
	return "Read a file. Relative paths resolve against your workspace; peer snapshots and context paths are readable by absolute path."
}

func (t *ReadFileTool) InputSchema() *JSONSchema {
	return NewObjectSchema("Read a file",
		map[string]*JSONSchema{
			"path": NewStringSchema("File path to read"),
		},
		[]string{"path"})
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	raw, _ := params["path"].(string)
	agentID, path, failed := t.resolve(ctx, raw)
	if failed != nil {
		return failed, nil
	}

	if d := t.perms.Check(agentID, permission.OpRead, path); !d.Allowed {
		return permissionResult(d), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Fail("read_failed", err.Error(), ""), nil
	}
	return Succeed(map[string]interface{}{
		"path":    path,
		"content": string(data),
	}), nil
}

// WriteFileTool writes a file where the caller may write.
type WriteFileTool struct{ fsTool }

// NewWriteFileTool creates the write_file tool.
func NewWriteFileTool(perms *permission.Manager, workspaces WorkspaceResolver) *WriteFileTool {
	return &WriteFileTool{fsTool{perms: perms, workspaces: workspaces}}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) SideEffectFree() bool { return false }

func (t *WriteFileTool) Description() string {
	return "Write a file. Your own workspace is always writable; context paths only when write-permitted."
}

func (t *WriteFileTool) InputSchema() *JSONSchema {
	return NewObjectSchema("Write a file",
		map[string]*JSONSchema{
			"path":    NewStringSchema("File path to write"),
			"content": NewStringSchema("Full file content"),
		},
		[]string{"path", "content"})
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	raw, _ := params["path"].(string)
	content, _ := params["content"].(string)
	agentID, path, failed := t.resolve(ctx, raw)
	if failed != nil {
		return failed, nil
	}

	if d := t.perms.Check(agentID, permission.OpWrite, path); !d.Allowed {
		return permissionResult(d), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Fail("write_failed", err.Error(), ""), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Fail("write_failed", err.Error(), ""), nil
	}
	return Succeed(map[string]interface{}{
		"path":  path,
		"bytes": len(content),
	}), nil
}

// DeleteFileTool removes a file the caller may delete. Deletion
// requires a prior successful read of the same resolved path.
type DeleteFileTool struct{ fsTool }

// NewDeleteFileTool creates the delete_file tool.
func NewDeleteFileTool(perms *permission.Manager, workspaces WorkspaceResolver) *DeleteFileTool {
	return &DeleteFileTool{fsTool{perms: perms, workspaces: workspaces}}
}

func (t *DeleteFileTool) Name() string { return "delete_file" }
func (t *DeleteFileTool) SideEffectFree() bool { return false }

func (t *DeleteFileTool) Description() string {
	return "Delete a file. You must have read the file earlier in this task before deleting it."
}

func (t *DeleteFileTool) InputSchema() *JSONSchema {
	return NewObjectSchema("Delete a file",
		map[string]*JSONSchema{
			"path": NewStringSchema("File path to delete"),
		},
		[]string{"path"})
}

func (t *DeleteFileTool) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	raw, _ := params["path"].(string)
	agentID, path, failed := t.resolve(ctx, raw)
	if failed != nil {
		return failed, nil
	}

	if d := t.perms.Check(agentID, permission.OpDelete, path); !d.Allowed {
		return permissionResult(d), nil
	}

	if err := os.Remove(path); err != nil {
		return Fail("delete_failed", err.Error(), ""), nil
	}
	return Succeed(map[string]interface{}{"path": path, "deleted": true}), nil
}

// ListFilesTool lists a directory the caller may read.
type ListFilesTool struct{ fsTool }

// NewListFilesTool creates the list_files tool.
func NewListFilesTool(perms *permission.Manager, workspaces WorkspaceResolver) *ListFilesTool {
	return &ListFilesTool{fsTool{perms: perms, workspaces: workspaces}}
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) SideEffectFree() bool { return true }

func (t *ListFilesTool) Description() string {
	return "List the files in a directory. Defaults to your workspace root."
}

func (t *ListFilesTool) InputSchema() *JSONSchema {
	return NewObjectSchema("List files",
		map[string]*JSONSchema{
			"path": NewStringSchema("Directory to list (defaults to your workspace)"),
		},
		nil)
}

func (t *ListFilesTool) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	raw, _ := params["path"].(string)
	if raw == "" {
		raw = "."
	}
	agentID, path, failed := t.resolve(ctx, raw)
	if failed != nil {
		return failed, nil
	}

	if d := t.perms.Check(agentID, permission.OpRead, path); !d.Allowed {
		return permissionResult(d), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return Fail("list_failed", err.Error(), ""), nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += string(os.PathSeparator)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return Succeed(map[string]interface{}{
		"path":  path,
		"files": names,
	}), nil
}

// RegisterFilesystemTools registers the four filesystem tools on the
// registry.
func RegisterFilesystemTools(r *Registry, perms *permission.Manager, workspaces WorkspaceResolver) error {
	for _, tool := range []Tool{
		NewReadFileTool(perms, workspaces),
		NewWriteFileTool(perms, workspaces),
		NewDeleteFileTool(perms, workspaces),
		NewListFilesTool(perms, workspaces),
	} {
		if err := r.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	return nil
}
