package starlark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"go.starlark.net/starlark"

	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/orchestrator"
	"peertech.de/converge/pkg/runenv"
)

// Loader implements the manifest.Loader interface for Starlark-based manifests
type Loader struct{}

// Load executes a Starlark script and extracts the declared tasks. A task id
// is the global variable the resource is bound to, unless the declaration
// sets id explicitly.
func (l *Loader) Load(ctx context.Context, env runenv.Env, path string) ([]orchestrator.Task, error) {
	r := NewRuntime(env, nil)

	globals, err := r.Load(ctx, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, cerrors.Wrapf(err, cerrors.ErrConfig, "starlark execution error [%s]", path)
	}

	tasks, err := l.extractTasks(env, globals)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.ErrConfig, "manifest error [%s]", path)
	}
	return tasks, nil
}

// extractTasks converts Starlark values to orchestrator tasks in declaration
// order.
func (l *Loader) extractTasks(env runenv.Env, globals starlark.StringDict) ([]orchestrator.Task, error) {
	// Discover all resources and map them to their ids. A value bound to
	// several globals is registered under the first name in sorted order.
	ids := make(map[*Resource]string)
	var declared []*Resource
	for _, name := range globals.Keys() {
		res, ok := globals[name].(*Resource)
		if !ok {
			continue
		}
		if _, seen := ids[res]; seen {
			continue
		}
		id := name
		if res.ID != "" {
			id = res.ID
		}
		ids[res] = id
		declared = append(declared, res)
	}
	sort.Slice(declared, func(i, j int) bool { return declared[i].seq < declared[j].seq })

	taken := make(map[string]bool, len(declared))
	var tasks []orchestrator.Task
	for _, obj := range declared {
		id := ids[obj]
		if taken[id] {
			return nil, fmt.Errorf("duplicate resource id %q", id)
		}
		taken[id] = true

		res := obj.Resource.Expand(env.Expand)
		if err := res.Validate(); err != nil {
			return nil, fmt.Errorf("resource %q: %w", id, err)
		}

		// Resolve dependencies.
		var deps []string
		for _, dep := range obj.Dependencies {
			depRes, ok := dep.(*Resource)
			if !ok {
				continue
			}
			depID, found := ids[depRes]
			if !found {
				return nil, fmt.Errorf("resource %q depends on an unregistered resource object (%s)", id, dep.String())
			}
			if !slices.Contains(deps, depID) {
				deps = append(deps, depID)
			}
		}

		tasks = append(tasks, orchestrator.Task{
			ID:           id,
			Resource:     res,
			Dependencies: deps,
			Timeout:      obj.Timeout,
		})
	}

	return tasks, nil
}

// load reads a manifest script. Relative paths resolve against the working
// directory.
func load(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	body, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read manifest file error: %w", err)
	}
	return string(body), nil
}
