package fs

import (
	"path"
	"strings"

	"github.com/quincecloud/quince/internal/fserr"
)

const maxNameLen = 255

// NormalizePath cleans a user-supplied path into the canonical absolute
// form: leading slash, no trailing slash (except root), no dot segments.
// Cleaning a rooted path resolves ".." segments against the root, so no
// traversal can escape it; names merely containing dots pass through.
func NormalizePath(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// SplitPath splits a normalized path into its parent path and final
// name. The root splits into ("/", "").
func SplitPath(p string) (parent, name string) {
	if p == "/" {
		return "/", ""
	}
	dir, base := path.Split(p)
	if dir != "/" {
		dir = strings.TrimSuffix(dir, "/")
	}
	return dir, base
}

// ValidateName rejects names that cannot be entry names: empty, slashes,
// dot traversal, NUL bytes, or over-long.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fserr.New(fserr.KindInvalidName, "fs.name", name)
	}
	if len(name) > maxNameLen {
		return fserr.New(fserr.KindInvalidName, "fs.name", name)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fserr.New(fserr.KindInvalidName, "fs.name", name)
	}
	return nil
}

// JoinPath appends a name to a normalized directory path.
func JoinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
