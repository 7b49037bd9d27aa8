// Package paths expands user-facing path strings before they reach the
// filesystem layer.
package paths

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves environment variables and a leading ~ in a configured path.
// Engine components receive already-expanded absolute paths; expansion happens
// once, at the configuration boundary.
func Expand(path string) string {
	path = os.ExpandEnv(path)

	switch {
	case path == "~":
		if home := homeDir(); home != "" {
			return home
		}
	case strings.HasPrefix(path, "~/"):
		if home := homeDir(); home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func homeDir() string {
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}
