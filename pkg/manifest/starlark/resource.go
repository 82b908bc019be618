package starlark

import (
	"fmt"
	"time"

	"go.starlark.net/starlark"

	"peertech.de/converge/pkg/pointer"
	"peertech.de/converge/pkg/resource"
)

// Resource is the Starlark value returned by every resource builtin. It
// wraps the declared resource together with its task options.
type Resource struct {
	Resource     resource.Resource
	Dependencies []starlark.Value
	Timeout      time.Duration

	// ID overrides the variable name as task id.
	ID string

	seq int
}

var (
	_ starlark.Value    = (*Resource)(nil)
	_ starlark.HasAttrs = (*Resource)(nil)
)

func (r *Resource) Attr(name string) (starlark.Value, error) {
	switch name {
	case "kind":
		return starlark.String(r.Resource.Kind), nil
	case "name":
		return starlark.String(r.Resource.Name()), nil
	case "id":
		return starlark.String(r.ID), nil
	case "path":
		return starlark.String(r.Resource.Path), nil
	case "dependencies":
		deps := make([]starlark.Value, len(r.Dependencies))
		copy(deps, r.Dependencies)
		return starlark.NewList(deps), nil
	default:
		return nil, nil
	}
}

func (r *Resource) AttrNames() []string {
	return []string{"dependencies", "id", "kind", "name", "path"}
}

func (r *Resource) Type() string {
	return string(r.Resource.Kind)
}

func (r *Resource) Freeze() {
	for _, dep := range r.Dependencies {
		dep.Freeze()
	}
}

func (r *Resource) Truth() starlark.Bool {
	return starlark.True
}

func (r *Resource) Hash() (uint32, error) {
	return 0, fmt.Errorf("%s is unhashable", r.Type())
}

func (r *Resource) String() string {
	return r.Resource.Name()
}

// options are the keyword arguments shared by all resource builtins.
type options struct {
	id           starlark.String
	dependencies *starlark.List
	timeout      starlark.String
	elevated     starlark.Bool
}

func (o *options) pairs() []any {
	return []any{
		"id?", &o.id,
		"dependencies?", &o.dependencies,
		"timeout?", &o.timeout,
		"elevated?", &o.elevated,
	}
}

// declare wraps res into a Resource value, applying the shared options.
func declare(thread *starlark.Thread, res resource.Resource, o *options) (starlark.Value, error) {
	res.Elevated = res.Elevated || bool(o.elevated)
	out := &Resource{
		Resource: res,
		ID:       string(o.id),
		seq:      nextSeq(thread),
	}

	if o.timeout != "" {
		d, err := time.ParseDuration(string(o.timeout))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid timeout %q", string(o.timeout))
		}
		out.Timeout = d
	}

	// Parse dependencies as resource values
	if o.dependencies != nil {
		deps, err := parseDependencies(o.dependencies)
		if err != nil {
			return nil, fmt.Errorf("invalid dependencies: %w", err)
		}
		out.Dependencies = deps
	}
	return out, nil
}

const seqKey = "converge.seq"

// nextSeq numbers declarations per thread so tasks keep source order.
func nextSeq(thread *starlark.Thread) int {
	n, _ := thread.Local(seqKey).(int)
	thread.SetLocal(seqKey, n+1)
	return n
}

func isResource(v starlark.Value) bool {
	_, ok := v.(*Resource)
	return ok
}

// parseDependencies extracts resource values from a Starlark list
func parseDependencies(list *starlark.List) ([]starlark.Value, error) {
	deps := make([]starlark.Value, list.Len())
	for i := 0; i < list.Len(); i++ {
		item := list.Index(i)
		if !isResource(item) {
			return nil, fmt.Errorf("dependency at index %d is not a resource type, got %s", i, item.Type())
		}
		deps[i] = item
	}
	return deps, nil
}

// stringList accepts a single string or an iterable of strings.
func stringList(name string, v starlark.Value) ([]string, error) {
	if s, ok := starlark.AsString(v); ok {
		return []string{s}, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: want string or list of strings, got %s", name, v.Type())
	}

	var out []string
	it := iterable.Iterate()
	defer it.Done()
	var item starlark.Value
	for it.Next(&item) {
		s, ok := starlark.AsString(item)
		if !ok {
			return nil, fmt.Errorf("%s: want string, got %s", name, item.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

func optionalString(s starlark.String) *string {
	if s == "" {
		return nil
	}
	return pointer.To(string(s))
}
