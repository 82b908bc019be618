package starlark

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"peertech.de/converge/pkg/logging"
	"peertech.de/converge/pkg/runenv"
)

// Declaration of resources
var resources = starlarkstruct.FromStringDict(
	starlark.String("resources"),
	starlark.StringDict{
		"file_content": NewFileContent(),
		"line_in_file": NewLineInFile(),
		"repository":   NewRepository(),
		"package":      NewPackage(),
		"service":      NewService(),
	},
)

// NewRuntime returns a runtime whose scripts see the resource builtins, the
// struct constructor and the run environment as home, user, env and
// expand().
func NewRuntime(env runenv.Env, extra starlark.StringDict) *Runtime {
	vars := starlark.NewDict(len(env.Vars))
	for k, v := range env.Vars {
		_ = vars.SetKey(starlark.String(k), starlark.String(v))
	}
	vars.Freeze()

	globals := starlark.StringDict{
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"resources": resources,
		"home":      starlark.String(env.Home),
		"user":      starlark.String(env.User),
		"env":       vars,
		"expand":    expandBuiltin(env),
	}

	// Add extra predeclared values
	for k, v := range extra {
		globals[k] = v
	}

	return &Runtime{
		opts:    &syntax.FileOptions{},
		globals: globals,
		logger:  logging.GetLogger("starlark"),
	}
}

type Runtime struct {
	opts    *syntax.FileOptions
	globals starlark.StringDict
	logger  zerolog.Logger
}

func (r *Runtime) Load(ctx context.Context, path string) (starlark.StringDict, error) {
	src, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load module: %w", err)
	}

	return r.exec(ctx, path, src)
}

func (r *Runtime) Run(ctx context.Context, src string) (starlark.StringDict, error) {
	return r.exec(ctx, "main", src)
}

func (r *Runtime) exec(ctx context.Context, filename, src string) (starlark.StringDict, error) {
	thread := r.thread(filename)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	return starlark.ExecFileOptions(r.opts, thread, filename, src, r.globals)
}

func (r *Runtime) thread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(thread *starlark.Thread, msg string) {
			pos := thread.CallFrame(1).Pos
			r.logger.Info().
				Str("file", pos.Filename()).
				Int32("line", pos.Line).
				Msg(msg)
		},
	}
	return thread
}

// GetResources extracts all resources from the execution result
func (r *Runtime) GetResources(globals starlark.StringDict) map[string]*Resource {
	resources := make(map[string]*Resource)

	for name, value := range globals {
		if res, ok := value.(*Resource); ok {
			resources[name] = res
		}
	}

	return resources
}

func expandBuiltin(env runenv.Env) *starlark.Builtin {
	return starlark.NewBuiltin("expand", func(
		_ *starlark.Thread,
		b *starlark.Builtin,
		args starlark.Tuple,
		kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		var path starlark.String
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
			return nil, err
		}
		return starlark.String(env.Expand(string(path))), nil
	})
}
