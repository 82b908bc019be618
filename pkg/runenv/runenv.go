// Package runenv holds the explicit environment a run is evaluated in. It is
// built once from configuration and handed to manifest loading, so no task
// reads the ambient process environment on its own.
package runenv

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Env struct {
	Home string
	User string

	// Vars are exposed to manifests as template variables and to child
	// processes on top of the process environment.
	Vars map[string]string
}

// Current returns the environment of the invoking user.
func Current() (Env, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Env{}, fmt.Errorf("resolve home directory: %w", err)
	}
	name := os.Getenv("USER")
	if name == "" {
		u, err := user.Current()
		if err != nil {
			return Env{}, fmt.Errorf("resolve current user: %w", err)
		}
		name = u.Username
	}
	return Env{Home: home, User: name, Vars: map[string]string{}}, nil
}

// LoadFile merges the variables of a dotenv file into e.Vars. Keys already
// present win over the file.
func (e *Env) LoadFile(path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("read env file %q: %w", path, err)
	}
	if e.Vars == nil {
		e.Vars = make(map[string]string, len(vars))
	}
	for k, v := range vars {
		if _, ok := e.Vars[k]; !ok {
			e.Vars[k] = v
		}
	}
	return nil
}

// Expand resolves a leading "~" or "~/" against Home and expands $VAR and
// ${VAR} references from Vars, HOME and USER. Unknown references expand to
// the empty string.
func (e Env) Expand(path string) string {
	switch {
	case path == "~":
		path = e.Home
	case strings.HasPrefix(path, "~/"):
		path = filepath.Join(e.Home, path[2:])
	}
	return os.Expand(path, e.lookup)
}

func (e Env) lookup(key string) string {
	switch key {
	case "HOME":
		return e.Home
	case "USER":
		return e.User
	}
	return e.Vars[key]
}

// Template returns the data manifests are rendered with.
func (e Env) Template() map[string]any {
	data := map[string]any{
		"home": e.Home,
		"user": e.User,
	}
	env := make(map[string]string, len(e.Vars))
	for k, v := range e.Vars {
		env[k] = v
	}
	data["env"] = env
	return data
}

// ChildEnv returns the environment for child processes: the process
// environment with HOME, USER and Vars layered on top, sorted by key.
func (e Env) ChildEnv() []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range e.Vars {
		merged[k] = v
	}
	if e.Home != "" {
		merged["HOME"] = e.Home
	}
	if e.User != "" {
		merged["USER"] = e.User
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
