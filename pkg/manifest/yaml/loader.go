package yaml

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"text/template"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	cerrors "peertech.de/converge/pkg/errors"
	"peertech.de/converge/pkg/orchestrator"
	"peertech.de/converge/pkg/resource"
	"peertech.de/converge/pkg/runenv"
	"peertech.de/converge/pkg/system"
)

// Manifest represents the complete YAML manifest structure containing variables for
// templating and a list of resources to be managed.
type Manifest struct {
	Variables map[string]any `yaml:"variables" json:"variables"`
	Resources []Resource     `yaml:"resources" json:"resources"`
}

// Resource represents a single resource definition in the manifest.
type Resource struct {
	Id           string         `yaml:"id" json:"id"`
	Type         string         `yaml:"type" json:"type"`
	Properties   map[string]any `yaml:"properties" json:"properties"`
	Dependencies []string       `yaml:"dependencies" json:"dependencies"`
	Timeout      string         `yaml:"timeout" json:"timeout,omitempty"`
}

// properties is the union of all kind-specific properties. Keys that the
// kind does not use are rejected by validation, unknown keys by decoding.
type properties struct {
	Path     string  `mapstructure:"path"`
	Content  string  `mapstructure:"content"`
	Marker   string  `mapstructure:"marker"`
	Comment  string  `mapstructure:"comment"`
	Mode     *string `mapstructure:"mode"`
	Line     string  `mapstructure:"line"`
	Match    string  `mapstructure:"match"`
	Elevated bool    `mapstructure:"elevated"`

	Name     string `mapstructure:"name"`
	Server   string `mapstructure:"server"`
	Include  string `mapstructure:"include"`
	SigLevel string `mapstructure:"siglevel"`

	Packages []string `mapstructure:"packages"`
	AUR      bool     `mapstructure:"aur"`

	Unit string `mapstructure:"unit"`
	User bool   `mapstructure:"user"`
	Now  bool   `mapstructure:"now"`
}

// Loader implements the manifest.Loader interface for YAML-based manifests
type Loader struct{}

// Load parses a YAML manifest, renders its templates and builds the tasks.
func (l *Loader) Load(ctx context.Context, env runenv.Env, path string) ([]orchestrator.Task, error) {
	m, err := load(path, env)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.ErrConfig, "manifest load error [%s]", path)
	}

	out := make([]orchestrator.Task, 0, len(m.Resources))
	seen := make(map[string]bool, len(m.Resources))
	for i, decl := range m.Resources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if decl.Id == "" {
			return nil, cerrors.Newf(cerrors.ErrConfig, "manifest error: resource #%d has no id", i+1)
		}
		if seen[decl.Id] {
			return nil, cerrors.Newf(cerrors.ErrConfig, "manifest error: duplicate resource id %q", decl.Id)
		}
		seen[decl.Id] = true

		r, err := instantiateResource(env, decl)
		if err != nil {
			return nil, cerrors.Wrapf(err, cerrors.ErrConfig, "manifest error (id: %s)", decl.Id)
		}

		var timeout time.Duration
		if decl.Timeout != "" {
			timeout, err = time.ParseDuration(decl.Timeout)
			if err != nil || timeout < 0 {
				return nil, cerrors.Newf(cerrors.ErrConfig, "manifest error (id: %s): invalid timeout %q", decl.Id, decl.Timeout)
			}
		}

		out = append(out, orchestrator.Task{
			ID:           decl.Id,
			Resource:     r,
			Dependencies: decl.Dependencies,
			Timeout:      timeout,
		})
	}

	return out, nil
}

// load reads and processes a YAML manifest file with template variable substitution.
//
// Template syntax uses {{ }} delimiters. The data holds .home, .user and
// .env from the run environment, overridden by the manifest's variables.
// Referencing an undefined variable is an error.
func load(path string, env runenv.Env) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest file error: %w", err)
	}

	// Initial parsing to extract variables
	var preliminary struct {
		Variables map[string]any `yaml:"variables"`
	}
	if err := yaml.Unmarshal(raw, &preliminary); err != nil {
		return nil, fmt.Errorf("parse variables error: %w", err)
	}

	data := env.Template()
	maps.Copy(data, preliminary.Variables)

	tmpl, err := template.New("manifest").Delims("{{", "}}").Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("template execution error: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("final manifest parse error: %w", err)
	}

	return &m, nil
}

// instantiateResource creates a resource from its manifest declaration,
// expands its path against env and validates it.
func instantiateResource(env runenv.Env, res Resource) (resource.Resource, error) {
	kind, err := resource.ParseKind(res.Type)
	if err != nil {
		return resource.Resource{}, err
	}

	var p properties
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return resource.Resource{}, err
	}
	if err := dec.Decode(res.Properties); err != nil {
		return resource.Resource{}, fmt.Errorf("invalid properties: %w", err)
	}

	r := resource.Resource{
		Kind:     kind,
		Path:     p.Path,
		Content:  p.Content,
		Marker:   p.Marker,
		Comment:  p.Comment,
		Mode:     p.Mode,
		Line:     p.Line,
		Match:    p.Match,
		Elevated: p.Elevated,
		Repository: system.Repository{
			Name:     p.Name,
			Server:   p.Server,
			Include:  p.Include,
			SigLevel: p.SigLevel,
		},
		Packages:  p.Packages,
		AUR:       p.AUR,
		Unit:      p.Unit,
		UserScope: p.User,
		Now:       p.Now,
	}
	r = r.Expand(env.Expand)

	if err := r.Validate(); err != nil {
		return resource.Resource{}, err
	}
	return r, nil
}
