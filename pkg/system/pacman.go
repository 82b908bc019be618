package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"peertech.de/converge/pkg/content"
)

// DefaultPacmanConfig is the package manager configuration edited by
// repository resources unless they name another file.
const DefaultPacmanConfig = "/etc/pacman.conf"

// Repository describes a package repository section.
type Repository struct {
	Name     string `yaml:"name"`
	Server   string `yaml:"server,omitempty"`
	Include  string `yaml:"include,omitempty"`
	SigLevel string `yaml:"siglevel,omitempty"`
}

// Entries returns the key/value lines of the repository section.
func (r Repository) Entries() []string {
	var out []string
	if r.SigLevel != "" {
		out = append(out, "SigLevel = "+r.SigLevel)
	}
	if r.Server != "" {
		out = append(out, "Server = "+r.Server)
	}
	if r.Include != "" {
		out = append(out, "Include = "+r.Include)
	}
	return out
}

// PackageManager installs packages and registers repositories.
type PackageManager interface {
	IsInstalled(ctx context.Context, name string) (bool, error)
	Install(ctx context.Context, names []string) error
	AddRepository(ctx context.Context, configPath string, repo Repository) error
}

// ConfigFS is the part of the filesystem the package manager edits.
type ConfigFS interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
}

// Pacman drives pacman. Queries run unprivileged; installs and database
// refreshes go through the elevator and are serialized, since pacman holds a
// database lock while it works.
type Pacman struct {
	Runner   Runner
	Elevator Elevator
	FS       ConfigFS

	mu sync.Mutex
}

func (p *Pacman) IsInstalled(ctx context.Context, name string) (bool, error) {
	res, err := p.Runner.Run(ctx, "pacman", "-Q", name)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, Check([]string{"pacman", "-Q", name}, res, 0, 1)
	}
}

func (p *Pacman) Install(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if p.Elevator == nil {
		return fmt.Errorf("installing packages requires privilege elevation")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	argv := append([]string{"pacman", "-S", "--needed", "--noconfirm"}, names...)
	_, err := p.Elevator.RunElevated(ctx, argv...)
	return err
}

// AddRepository appends the repository section to the configuration file and
// refreshes the package databases. An existing section is left alone.
func (p *Pacman) AddRepository(ctx context.Context, configPath string, repo Repository) error {
	if configPath == "" {
		configPath = DefaultPacmanConfig
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.FS.ReadFile(configPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", configPath, err)
	}
	text := string(data)
	if !content.HasSection(text, repo.Name) {
		perm := fs.FileMode(0o644)
		if fi, err := p.FS.Stat(configPath); err == nil {
			perm = fi.Mode().Perm()
		}
		updated := content.AppendSection(text, repo.Name, repo.Entries())
		if err := p.FS.WriteFile(configPath, []byte(updated), perm); err != nil {
			return fmt.Errorf("write %s: %w", configPath, err)
		}
	}

	if p.Elevator == nil {
		return fmt.Errorf("refreshing package databases requires privilege elevation")
	}
	_, err = p.Elevator.RunElevated(ctx, "pacman", "-Sy", "--noconfirm")
	return err
}

// AURHelper installs packages from the AUR through a helper such as paru or
// yay. The helper runs as the invoking user and elevates on its own.
type AURHelper struct {
	Runner  Runner
	Command []string
	Query   PackageManager

	mu sync.Mutex
}

func (a *AURHelper) IsInstalled(ctx context.Context, name string) (bool, error) {
	return a.Query.IsInstalled(ctx, name)
}

func (a *AURHelper) Install(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if len(a.Command) == 0 {
		return fmt.Errorf("no AUR helper configured")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	argv := append(append([]string{}, a.Command...), "-S", "--needed", "--noconfirm")
	argv = append(argv, names...)
	res, err := a.Runner.Run(ctx, argv...)
	if err != nil {
		return err
	}
	return Check(argv, res)
}

func (a *AURHelper) AddRepository(context.Context, string, Repository) error {
	return fmt.Errorf("repositories cannot be added through the AUR helper")
}
