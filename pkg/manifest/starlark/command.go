package starlark

import (
	"fmt"

	"go.starlark.net/starlark"

	"peertech.de/converge/pkg/resource"
	"peertech.de/converge/pkg/system"
)

// NewRepository returns a starlark.Builtin for repository-entry resources.
func NewRepository() *starlark.Builtin {
	return starlark.NewBuiltin("repository", newRepository)
}

func newRepository(
	thread *starlark.Thread,
	b *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var name, server, include, siglevel, config starlark.String
	var o options

	err := starlark.UnpackArgs(b.Name(), args, kwargs, append([]any{
		"name", &name,
		"server?", &server,
		"include?", &include,
		"siglevel?", &siglevel,
		"config?", &config,
	}, o.pairs()...)...)
	if err != nil {
		return nil, err
	}

	if string(name) == "" {
		return nil, fmt.Errorf("%s: name cannot be empty", b.Name())
	}

	return declare(thread, resource.Resource{
		Kind: resource.KindRepositoryEntry,
		Path: string(config),
		Repository: system.Repository{
			Name:     string(name),
			Server:   string(server),
			Include:  string(include),
			SigLevel: string(siglevel),
		},
	}, &o)
}

// NewPackage returns a starlark.Builtin for installed-package resources.
func NewPackage() *starlark.Builtin {
	return starlark.NewBuiltin("package", newPackage)
}

func newPackage(
	thread *starlark.Thread,
	b *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var names starlark.Value
	var aur starlark.Bool
	var o options

	err := starlark.UnpackArgs(b.Name(), args, kwargs, append([]any{
		"names", &names,
		"aur?", &aur,
	}, o.pairs()...)...)
	if err != nil {
		return nil, err
	}

	packages, err := stringList("names", names)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if len(packages) == 0 {
		return nil, fmt.Errorf("%s: names cannot be empty", b.Name())
	}

	return declare(thread, resource.Resource{
		Kind:     resource.KindInstalledPackage,
		Packages: packages,
		AUR:      bool(aur),
	}, &o)
}

// NewService returns a starlark.Builtin for enabled-service resources.
func NewService() *starlark.Builtin {
	return starlark.NewBuiltin("service", newService)
}

func newService(
	thread *starlark.Thread,
	b *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var unit starlark.String
	var user, now starlark.Bool
	var o options

	err := starlark.UnpackArgs(b.Name(), args, kwargs, append([]any{
		"unit", &unit,
		"user?", &user,
		"now?", &now,
	}, o.pairs()...)...)
	if err != nil {
		return nil, err
	}

	if string(unit) == "" {
		return nil, fmt.Errorf("%s: unit cannot be empty", b.Name())
	}

	return declare(thread, resource.Resource{
		Kind:      resource.KindEnabledService,
		Unit:      string(unit),
		UserScope: bool(user),
		Now:       bool(now),
	}, &o)
}
