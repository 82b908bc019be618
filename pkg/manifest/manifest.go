package manifest

import (
	"context"
	"path/filepath"
	"strings"

	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/manifest/starlark"
	"peertech.de/converge/pkg/manifest/yaml"
	"peertech.de/converge/pkg/orchestrator"
	"peertech.de/converge/pkg/runenv"
)

// Loader defines the interface for loading and parsing manifest files.
// Implementations parse manifest files in their respective formats and
// return orchestrator tasks.
//
// The loader is responsible for:
//   - Reading and parsing manifest files
//   - Processing templating and "~" expansion against the run environment
//   - Validating resource declarations
//
// Tasks are returned in declaration order, not dependency order (dependency
// ordering is handled by the orchestrator). Every error carries the CONFIG
// code.
type Loader interface {
	Load(ctx context.Context, env runenv.Env, path string) ([]orchestrator.Task, error)
}

// ForPath picks the loader matching the file extension: .yaml and .yml for
// YAML manifests, .star and .bzl for Starlark.
func ForPath(path string) (Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return &yaml.Loader{}, nil
	case ".star", ".bzl":
		return &starlark.Loader{}, nil
	default:
		return nil, cerrors.Newf(cerrors.ErrConfig, "unsupported manifest format %q", filepath.Ext(path))
	}
}

// Load reads path with the loader matching its extension.
func Load(ctx context.Context, env runenv.Env, path string) ([]orchestrator.Task, error) {
	l, err := ForPath(path)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, env, path)
}
