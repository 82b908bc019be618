package resource

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"peertech.de/converge/pkg/content"
	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/fsys"
	"peertech.de/converge/pkg/pointer"
	"peertech.de/converge/pkg/system"
)

// Kind selects how a resource is checked and applied. The set is closed.
type Kind string

const (
	// KindFileContent manages a whole file, or a marker-delimited block inside it.
	KindFileContent Kind = "file-content"
	// KindLineInFile ensures one line is present in a file.
	KindLineInFile Kind = "line-in-file"
	// KindRepositoryEntry ensures a repository section exists in the package
	// manager configuration.
	KindRepositoryEntry Kind = "repository-entry"
	// KindInstalledPackage ensures packages are installed.
	KindInstalledPackage Kind = "installed-package"
	// KindEnabledService ensures a service unit is enabled.
	KindEnabledService Kind = "enabled-service"
)

// Kinds lists every supported kind.
var Kinds = []Kind{
	KindFileContent,
	KindLineInFile,
	KindRepositoryEntry,
	KindInstalledPackage,
	KindEnabledService,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", cerrors.Newf(cerrors.ErrConfig, "unsupported resource type %q", s)
}

// DefaultFileMode applies to files created without an explicit mode.
const DefaultFileMode fs.FileMode = 0o644

// Resource is an immutable description of desired state. Which fields are
// meaningful depends on Kind:
//
//   - file-content: Path, Content, optional Marker and Comment (block mode), Mode
//   - line-in-file: Path, Line, optional Match, Mode
//   - repository-entry: Repository, optional Path of the package manager config
//   - installed-package: Packages, AUR
//   - enabled-service: Unit, UserScope, Now
//
// Resources carry no live state; the oracle and the reconciler interpret them.
type Resource struct {
	Kind Kind

	Path    string
	Content string
	Marker  string
	Comment string
	Mode    *string

	Line  string
	Match string

	Repository system.Repository

	Packages []string
	AUR      bool

	Unit      string
	UserScope bool
	Now       bool

	// Elevated marks a resource whose operations need root privileges even
	// when its kind alone would not require them.
	Elevated bool
}

// Name returns a human-readable identifier for the resource.
func (r Resource) Name() string {
	switch r.Kind {
	case KindFileContent, KindLineInFile:
		return string(r.Kind) + ":" + r.Path
	case KindRepositoryEntry:
		return string(r.Kind) + ":" + r.Repository.Name
	case KindInstalledPackage:
		return string(r.Kind) + ":" + strings.Join(r.Packages, ",")
	case KindEnabledService:
		return string(r.Kind) + ":" + r.Unit
	default:
		return string(r.Kind)
	}
}

// Target returns the file a resource rewrites, or "" for kinds that do not
// own a file.
func (r Resource) Target() string {
	switch r.Kind {
	case KindFileContent, KindLineInFile:
		return r.Path
	case KindRepositoryEntry:
		if r.Path == "" {
			return system.DefaultPacmanConfig
		}
		return r.Path
	default:
		return ""
	}
}

// NeedsSnapshot reports whether applying the resource overwrites a file in
// place, so the prior content must be preserved first.
func (r Resource) NeedsSnapshot() bool {
	return r.Target() != ""
}

// NeedsElevation reports whether the resource needs the privilege handle.
func (r Resource) NeedsElevation() bool {
	switch {
	case r.Elevated:
		return true
	case r.Kind == KindRepositoryEntry:
		return true
	case r.Kind == KindInstalledPackage:
		return !r.AUR
	case r.Kind == KindEnabledService:
		return !r.UserScope
	default:
		return false
	}
}

// FileMode returns the requested permission bits. ok is false if the
// resource does not request a mode.
func (r Resource) FileMode() (mode fs.FileMode, ok bool, err error) {
	if r.Mode == nil {
		return 0, false, nil
	}
	mode, err = fsys.ParseMode(pointer.Deref(r.Mode, ""))
	return mode, err == nil, err
}

// MatchPattern compiles Match. It returns nil if Match is empty.
func (r Resource) MatchPattern() (*regexp.Regexp, error) {
	if r.Match == "" {
		return nil, nil
	}
	return regexp.Compile(r.Match)
}

// Validate checks the declaration for missing or contradictory fields. The
// returned error carries the CONFIG code.
func (r Resource) Validate() error {
	if err := r.validate(); err != nil {
		return cerrors.Wrapf(err, cerrors.ErrConfig, "invalid %s resource", r.Kind)
	}
	return nil
}

func (r Resource) validate() error {
	switch r.Kind {
	case KindFileContent:
		if err := validatePath(r.Path); err != nil {
			return err
		}
		if err := validateToken("marker", r.Marker); err != nil {
			return err
		}
		if err := validateToken("comment", r.Comment); err != nil {
			return err
		}
		if r.Marker != "" && content.HasMarkerLine(r.Content, r.Marker, r.Comment) {
			return fmt.Errorf("content must not contain its own marker lines")
		}
		if _, _, err := r.FileMode(); err != nil {
			return err
		}
	case KindLineInFile:
		if err := validatePath(r.Path); err != nil {
			return err
		}
		if r.Line == "" || strings.ContainsAny(r.Line, "\n\r") {
			return fmt.Errorf("line must be a single non-empty line")
		}
		if _, err := r.MatchPattern(); err != nil {
			return fmt.Errorf("invalid match pattern: %w", err)
		}
		if _, _, err := r.FileMode(); err != nil {
			return err
		}
	case KindRepositoryEntry:
		if r.Repository.Name == "" {
			return fmt.Errorf("repository name cannot be empty")
		}
		if strings.ContainsAny(r.Repository.Name, "[]\n") {
			return fmt.Errorf("invalid repository name %q", r.Repository.Name)
		}
		if r.Repository.Server == "" && r.Repository.Include == "" {
			return fmt.Errorf("repository %q needs a server or an include", r.Repository.Name)
		}
		if r.Path != "" {
			if err := validatePath(r.Path); err != nil {
				return err
			}
		}
	case KindInstalledPackage:
		if len(r.Packages) == 0 {
			return fmt.Errorf("at least one package must be specified")
		}
		for _, p := range r.Packages {
			if p == "" || strings.ContainsAny(p, " \t\n") {
				return fmt.Errorf("invalid package name %q", p)
			}
		}
	case KindEnabledService:
		if r.Unit == "" {
			return fmt.Errorf("unit cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported kind %q", r.Kind)
	}
	return nil
}

// validateToken rejects values that cannot appear verbatim on a single
// trimmed marker line.
func validateToken(field, v string) error {
	if strings.ContainsAny(v, "\n\r") {
		return fmt.Errorf("%s must not contain line breaks", field)
	}
	if v != strings.TrimSpace(v) {
		return fmt.Errorf("%s must not have surrounding whitespace", field)
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path %q must be absolute", path)
	}
	return nil
}

// Expand returns a copy of r with its file path passed through expand, e.g.
// to resolve "~" against the invoking user's home.
func (r Resource) Expand(expand func(string) string) Resource {
	if r.Path != "" {
		r.Path = expand(r.Path)
	}
	return r
}
