// human writable paths which can be used inside config file
package model

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath expands environment variables and a leading ~ of a configured
// path. An empty path stays empty.
func ExpandPath(p string) string {
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, p[1:])
	}
	return p
}

func (c Config) ScriptsDir() string {
	return ExpandPath(c.Scripts)
}

func (c Config) ExportDir() string {
	return ExpandPath(c.ExportPath)
}

// CacheDir returns the Hugging Face cache directory, empty means the
// worker's default.
func (c Config) CacheDir() string {
	if c.HuggingFace == nil {
		return ""
	}
	return ExpandPath(c.HuggingFace.CacheDir)
}
