package transfer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/config"
)

// Resolve canonicalizes a client-supplied path and confirms it stays
// inside the operator's allowed roots. Symlinks are resolved before
// the containment check, so a link pointing outside a root is refused
// even though its name is inside one. The leaf may not exist yet
// (upload targets); its parent must.
func Resolve(raw string) (string, error) {
	if len(raw) == 0 || strings.ContainsRune(raw, 0) {
		return ``, modules.NewError(modules.CodePathInvalid, `empty or malformed path`)
	}
	abs, err := filepath.Abs(filepath.Clean(raw))
	if err != nil {
		return ``, modules.NewError(modules.CodePathInvalid, `unresolvable path`)
	}
	resolved, err := resolveSymlinks(abs)
	if err != nil {
		return ``, err
	}
	if !insideAllowedRoot(resolved) {
		return ``, modules.NewError(modules.CodePathForbidden, `path is outside the allowed roots`)
	}
	return resolved, nil
}

// ResolveExisting is Resolve plus a check that the leaf exists and is
// a regular file, for downloads.
func ResolveExisting(raw string) (string, os.FileInfo, error) {
	resolved, err := Resolve(raw)
	if err != nil {
		return ``, nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return ``, nil, modules.NewError(modules.CodeNotFound, `no such file`)
		}
		return ``, nil, modules.NewError(modules.CodeIOError, err.Error())
	}
	if info.IsDir() {
		return ``, nil, modules.NewError(modules.CodePathInvalid, `path is a directory`)
	}
	return resolved, info, nil
}

// resolveSymlinks evaluates the deepest existing ancestor and rejoins
// the non-existent tail, so brand-new upload targets still get their
// directories canonicalized.
func resolveSymlinks(abs string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	dir, leaf := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return ``, modules.NewError(modules.CodePathInvalid, `unresolvable path`)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ``, modules.NewError(modules.CodePathInvalid, `parent directory does not exist`)
		}
		return ``, modules.NewError(modules.CodePathInvalid, `unresolvable path`)
	}
	return filepath.Join(resolvedDir, leaf), nil
}

func insideAllowedRoot(path string) bool {
	for _, root := range config.Config.AllowedRoots {
		canonical, err := filepath.EvalSymlinks(root)
		if err != nil {
			canonical = filepath.Clean(root)
		}
		if path == canonical || strings.HasPrefix(path, canonical+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
