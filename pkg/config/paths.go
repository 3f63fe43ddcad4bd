package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apphost/reposync/pkg/engine"
)

// PreparePaths creates the parent directories of every working copy and
// data file and checks that they are writable. A working copy itself is
// created by the first clone.
func PreparePaths(cfg *Config) error {
	for _, app := range cfg.Applications {
		if info, err := os.Stat(app.Path); err == nil && !info.IsDir() {
			return engine.NewConfigurationError(
				fmt.Sprintf("working path %s is not a directory", app.Path), nil).WithApplication(app.Name)
		}
		if err := prepareDir(filepath.Dir(app.Path)); err != nil {
			return engine.NewConfigurationError(
				fmt.Sprintf("working path %s is not usable", app.Path), err).WithApplication(app.Name)
		}
	}

	for _, file := range []string{cfg.StateDB, cfg.AuditLog} {
		if file == "" {
			continue
		}
		if err := prepareDir(filepath.Dir(file)); err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("data path %s is not usable", file), err)
		}
	}
	return nil
}

func prepareDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".reposync-write-*")
	if err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	return os.Remove(name)
}
