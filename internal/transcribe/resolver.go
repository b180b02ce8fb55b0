package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNotFound is returned when no transcription engine executable exists.
var ErrNotFound = errors.New("transcription engine not found")

// ExecutableResolver locates the transcription engine binary.
type ExecutableResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// DefaultFallbackDirs are searched after the override, the virtualenv and PATH.
var DefaultFallbackDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"~/.local/bin",
	"/usr/bin",
}

// PathResolver finds the engine by explicit path, then the virtualenv bin
// directory, then PATH, then the fallback directories.
type PathResolver struct {
	Override  string
	Venv      string
	Name      string // executable name, default "whisper"
	Fallbacks []string
}

func (p PathResolver) Resolve(ctx context.Context) (string, error) {
	name := p.Name
	if name == "" {
		name = "whisper"
	}

	var tried []string
	check := func(path string) (string, bool) {
		if path == "" {
			return "", false
		}
		path = expandHome(path)
		tried = append(tried, path)
		if isExecutable(path) {
			return path, true
		}
		return "", false
	}

	if path, ok := check(p.Override); ok {
		return path, nil
	}
	if p.Venv != "" {
		if path, ok := check(filepath.Join(p.Venv, "bin", name)); ok {
			return path, nil
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	tried = append(tried, "$PATH")

	fallbacks := p.Fallbacks
	if fallbacks == nil {
		fallbacks = DefaultFallbackDirs
	}
	for _, dir := range fallbacks {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if path, ok := check(filepath.Join(dir, name)); ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w (tried %v)", ErrNotFound, tried)
}

// StaticResolver always resolves to Path, or to ErrNotFound when Path is empty.
type StaticResolver struct {
	Path string
}

func (s StaticResolver) Resolve(context.Context) (string, error) {
	if s.Path == "" {
		return "", ErrNotFound
	}
	return s.Path, nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func expandHome(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
