package testutil

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	"peertech.de/converge/pkg/content"
	"peertech.de/converge/pkg/system"
)

// FakePackages is an in-memory package manager. Installing a name listed in
// Fail returns an error; Delay makes Install and AddRepository block
// (honouring ctx).
type FakePackages struct {
	mu        sync.Mutex
	installed map[string]bool
	repos     map[string]system.Repository

	Fail  map[string]error
	Delay time.Duration

	// FS, when set, receives the repository sections added through
	// AddRepository, the way pacman.conf would.
	FS system.ConfigFS

	// Installs records every Install call in order.
	Installs [][]string
}

func NewFakePackages(installed ...string) *FakePackages {
	f := &FakePackages{
		installed: make(map[string]bool),
		repos:     make(map[string]system.Repository),
		Fail:      make(map[string]error),
	}
	for _, n := range installed {
		f.installed[n] = true
	}
	return f
}

func (f *FakePackages) IsInstalled(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[name], nil
}

func (f *FakePackages) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakePackages) Install(ctx context.Context, names []string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Installs = append(f.Installs, slices.Clone(names))
	for _, n := range names {
		if err, ok := f.Fail[n]; ok {
			return fmt.Errorf("install %s: %w", n, err)
		}
	}
	for _, n := range names {
		f.installed[n] = true
	}
	return nil
}

func (f *FakePackages) AddRepository(ctx context.Context, configPath string, repo system.Repository) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[repo.Name] = repo
	if f.FS == nil {
		return nil
	}

	data, err := f.FS.ReadFile(configPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if content.HasSection(string(data), repo.Name) {
		return nil
	}
	updated := content.AppendSection(string(data), repo.Name, repo.Entries())
	return f.FS.WriteFile(configPath, []byte(updated), 0o644)
}

// Repositories returns the names of the repositories added so far.
func (f *FakePackages) Repositories() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.repos))
	for name := range f.repos {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// FakeServices is an in-memory service manager.
type FakeServices struct {
	mu      sync.Mutex
	enabled map[string]bool

	// Sticky units report success on Enable but stay disabled.
	Sticky map[string]bool
}

func NewFakeServices(enabled ...string) *FakeServices {
	f := &FakeServices{enabled: make(map[string]bool), Sticky: make(map[string]bool)}
	for _, u := range enabled {
		f.enabled[u] = true
	}
	return f
}

func (f *FakeServices) IsEnabled(_ context.Context, unit string, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[unit], nil
}

func (f *FakeServices) Enable(_ context.Context, unit string, _, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Sticky[unit] {
		f.enabled[unit] = true
	}
	return nil
}
