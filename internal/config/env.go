package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/ardnew/softehci/pkg"
)

// LoadEnv loads the first of paths that exists into the environment
// without overriding variables already set. With no paths it tries .env in
// the working directory, then next to the executable. It returns the file
// loaded, or "" if none was found.
func LoadEnv(paths ...string) (string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
		if exe, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(exe), ".env"))
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return "", err
		}
		pkg.LogDebug(pkg.ComponentCLI, "loaded environment", "file", p)
		return p, nil
	}
	return "", nil
}
