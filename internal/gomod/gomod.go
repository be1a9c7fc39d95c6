package gomod

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/malbeclabs/core-bpf-migration/config"
	"golang.org/x/mod/modfile"
)

// EnvWorkDir names a harness working directory that skips discovery.
const EnvWorkDir = "CBM_WORKDIR"

var ErrNotFound = errors.New("directory not found")

// FindGoModDir walks up from start to the directory whose go.mod declares moduleName.
func FindGoModDir(start string, moduleName string) (string, error) {
	dir, err := walkUp(start, func(dir string) (bool, error) {
		return declaresModule(dir, moduleName)
	})
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("go.mod with module path %q: %w", moduleName, err)
	}
	return dir, err
}

// FindWorkDir resolves the harness working directory: $CBM_WORKDIR when set, otherwise the
// nearest ancestor of start that already has the elfs/ and impl/ layout or whose go.mod
// declares moduleName.
func FindWorkDir(start string, moduleName string) (string, error) {
	if dir := os.Getenv(EnvWorkDir); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s=%s: %w", EnvWorkDir, dir, err)
		}
		if !isDir(abs) {
			return "", fmt.Errorf("%s=%s: %w", EnvWorkDir, dir, ErrNotFound)
		}
		return abs, nil
	}
	dir, err := walkUp(start, func(dir string) (bool, error) {
		if isDir(filepath.Join(dir, config.ELFDirectory)) && isDir(filepath.Join(dir, config.ImplDirectory)) {
			return true, nil
		}
		return declaresModule(dir, moduleName)
	})
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("workdir for module %q: %w", moduleName, err)
	}
	return dir, err
}

func walkUp(start string, match func(dir string) (bool, error)) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for %s: %w", start, err)
	}
	for {
		ok, err := match(dir)
		if err != nil {
			return "", err
		}
		if ok {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

func declaresModule(dir string, moduleName string) (bool, error) {
	modPath := filepath.Join(dir, "go.mod")
	data, err := os.ReadFile(modPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", modPath, err)
	}
	modFile, err := modfile.Parse(modPath, data, nil)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", modPath, err)
	}
	return modFile.Module != nil && modFile.Module.Mod.Path == moduleName, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
