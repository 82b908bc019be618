// Package oracle decides whether a resource's desired state already holds.
// Every check is read-only and safe to run concurrently for different
// resources.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"peertech.de/converge/pkg/content"
	"peertech.de/converge/pkg/fsys"
	"peertech.de/converge/pkg/resource"
	"peertech.de/converge/pkg/system"
)

// Oracle dispatches on the resource kind to the capability that can answer
// for it.
type Oracle struct {
	FS       fsys.FS
	Packages system.PackageManager
	AUR      system.PackageManager
	Services system.ServiceManager
}

// IsSatisfied reports whether r's desired state holds.
func (o *Oracle) IsSatisfied(ctx context.Context, r resource.Resource) (bool, error) {
	switch r.Kind {
	case resource.KindFileContent:
		return o.fileContent(r)
	case resource.KindLineInFile:
		text, exists, err := fsys.ReadOptional(o.FS, r.Path)
		if err != nil || !exists {
			return false, err
		}
		return content.HasLine(text, r.Line), nil
	case resource.KindRepositoryEntry:
		text, exists, err := fsys.ReadOptional(o.FS, r.Target())
		if err != nil || !exists {
			return false, err
		}
		return content.HasSection(text, r.Repository.Name), nil
	case resource.KindInstalledPackage:
		missing, err := o.MissingPackages(ctx, r)
		return len(missing) == 0, err
	case resource.KindEnabledService:
		if o.Services == nil {
			return false, fmt.Errorf("no service manager configured")
		}
		return o.Services.IsEnabled(ctx, r.Unit, r.UserScope)
	default:
		return false, fmt.Errorf("unsupported kind %q", r.Kind)
	}
}

func (o *Oracle) fileContent(r resource.Resource) (bool, error) {
	text, exists, err := fsys.ReadOptional(o.FS, r.Path)
	if err != nil || !exists {
		return false, err
	}

	if r.Marker != "" {
		if !content.HasBlock(text, r.Marker, r.Comment, r.Content) {
			return false, nil
		}
	} else if text != r.Content {
		return false, nil
	}

	return o.modeMatches(r)
}

func (o *Oracle) modeMatches(r resource.Resource) (bool, error) {
	want, ok, err := r.FileMode()
	if err != nil || !ok {
		return err == nil, err
	}
	fi, err := o.FS.Stat(r.Path)
	if err != nil {
		return false, err
	}
	return fi.Mode().Perm() == want, nil
}

// PackageManagerFor returns the package manager responsible for r.
func (o *Oracle) PackageManagerFor(r resource.Resource) (system.PackageManager, error) {
	pm := o.Packages
	if r.AUR {
		pm = o.AUR
	}
	if pm == nil {
		return nil, fmt.Errorf("no package manager configured for %s", r.Name())
	}
	return pm, nil
}

// MissingPackages returns the packages of r that are not installed, in
// declaration order.
func (o *Oracle) MissingPackages(ctx context.Context, r resource.Resource) ([]string, error) {
	pm, err := o.PackageManagerFor(r)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range r.Packages {
		ok, err := pm.IsInstalled(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// Diff renders the pending change for r as a git-style preview. It assumes
// IsSatisfied returned false.
func (o *Oracle) Diff(ctx context.Context, r resource.Resource) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "diff -- %s\n", r.Name())

	switch r.Kind {
	case resource.KindFileContent, resource.KindLineInFile, resource.KindRepositoryEntry:
		current, _, err := fsys.ReadOptional(o.FS, r.Target())
		if err != nil {
			return "", err
		}
		desired, err := Desired(current, r)
		if err != nil {
			return "", err
		}
		sb.WriteString(content.Diff(current, desired))
		if want, ok, _ := r.FileMode(); ok {
			fmt.Fprintf(&sb, "  mode: %s\n", fsys.EncodeMode(want))
		}
	case resource.KindInstalledPackage:
		missing, err := o.MissingPackages(ctx, r)
		if err != nil {
			return "", err
		}
		for _, name := range missing {
			fmt.Fprintf(&sb, "+ install %s\n", name)
		}
	case resource.KindEnabledService:
		fmt.Fprintf(&sb, "+ enable %s\n", r.Unit)
	}

	return sb.String(), nil
}

// Desired computes the file content r requires, given the current content of
// its target. Applying the result makes IsSatisfied hold for the content part
// of r.
func Desired(current string, r resource.Resource) (string, error) {
	switch r.Kind {
	case resource.KindFileContent:
		if r.Marker == "" {
			return r.Content, nil
		}
		return content.UpsertBlock(current, r.Marker, r.Comment, r.Content), nil
	case resource.KindLineInFile:
		match, err := r.MatchPattern()
		if err != nil {
			return "", err
		}
		return content.EnsureLine(current, r.Line, match), nil
	case resource.KindRepositoryEntry:
		return content.AppendSection(current, r.Repository.Name, r.Repository.Entries()), nil
	default:
		return "", fmt.Errorf("%s does not manage file content", r.Kind)
	}
}
