package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"syscall"

	"github.com/dop251/goja_nodejs/require"
)

func (l *Loader) resolveFrom(dir, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrInvalidModule)
	}
	if _, ok := l.native[id]; ok {
		return id, nil
	}

	if isPathLike(id) {
		p := id
		if !path.IsAbs(p) {
			p = path.Join(dir, p)
		}
		p = path.Clean(p)
		if resolved, ok, err := l.resolveFileOrDir(p); err != nil || ok {
			return resolved, err
		}
		return "", fmt.Errorf("%w: %q from %q", ErrModuleNotFound, id, dir)
	}

	for d := dir; ; {
		if path.Base(d) != "node_modules" {
			if resolved, ok, err := l.resolveFileOrDir(path.Join(d, "node_modules", id)); err != nil || ok {
				return resolved, err
			}
		}
		parent := path.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	for _, folder := range l.folders {
		if resolved, ok, err := l.resolveFileOrDir(path.Join(folder, id)); err != nil || ok {
			return resolved, err
		}
	}
	return "", fmt.Errorf("%w: %q from %q", ErrModuleNotFound, id, dir)
}

func (l *Loader) resolveFileOrDir(p string) (string, bool, error) {
	if resolved, ok, err := l.resolveFile(p); err != nil || ok {
		return resolved, ok, err
	}
	return l.resolveDir(p)
}

func (l *Loader) resolveFile(p string) (string, bool, error) {
	for _, candidate := range []string{p, p + ".js", p + ".json"} {
		ok, err := l.exists(candidate)
		if err != nil || ok {
			return candidate, ok, err
		}
	}
	return "", false, nil
}

func (l *Loader) resolveDir(p string) (string, bool, error) {
	src, err := l.sourceLoader(path.Join(p, "package.json"))
	switch {
	case err == nil:
		var pkg struct {
			Main string `json:"main"`
		}
		if err := json.Unmarshal(src, &pkg); err != nil {
			return "", false, fmt.Errorf("%w: %s/package.json: %v", ErrInvalidModule, p, err)
		}
		if pkg.Main != "" {
			main := path.Join(p, pkg.Main)
			if resolved, ok, err := l.resolveFile(main); err != nil || ok {
				return resolved, ok, err
			}
			if resolved, ok, err := l.resolveIndex(main); err != nil || ok {
				return resolved, ok, err
			}
		}
	case !isNotExist(err):
		return "", false, err
	}
	return l.resolveIndex(p)
}

func (l *Loader) resolveIndex(p string) (string, bool, error) {
	for _, candidate := range []string{path.Join(p, "index.js"), path.Join(p, "index.json")} {
		ok, err := l.exists(candidate)
		if err != nil || ok {
			return candidate, ok, err
		}
	}
	return "", false, nil
}

func (l *Loader) exists(p string) (bool, error) {
	if _, err := l.sourceLoader(p); err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isPathLike(id string) bool {
	return id == "." || id == ".." ||
		strings.HasPrefix(id, "./") ||
		strings.HasPrefix(id, "../") ||
		strings.HasPrefix(id, "/")
}

func isNotExist(err error) bool {
	return errors.Is(err, require.ModuleFileDoesNotExistError) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.EISDIR)
}
