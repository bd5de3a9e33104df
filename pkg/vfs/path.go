package vfs

import "strings"

// Path grammar: absolute, '/'-separated, no embedded NUL. "." stays in
// place, ".." steps to the parent (a no-op at the root), empty segments and
// a trailing slash are ignored. Resolution works on raw segments — ".."
// must be applied against the *resolved* ancestry, not lexically, because
// symlink expansion can splice fresh ".." segments in — so splitting keeps
// dot segments and the walker interprets them.

// splitPath validates a path and returns its raw segments. The empty slice
// means the root itself.
func splitPath(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, ErrInvalidArgument
	}
	if strings.IndexByte(path, 0) >= 0 {
		return nil, ErrInvalidArgument
	}

	parts := strings.Split(path[1:], "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		segments = append(segments, part)
	}
	return segments, nil
}

// joinCanonical rebuilds the canonical absolute path from resolved segment
// names.
func joinCanonical(names []string) string {
	if len(names) == 0 {
		return "/"
	}
	return "/" + strings.Join(names, "/")
}

// canonicalizePath resolves a path lexically (no symlink knowledge): used
// for cache keys of paths that are already fully resolved.
func canonicalizePath(path string) (string, error) {
	segments, err := splitPath(path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case ".":
		case "..":
			if len(names) > 0 {
				names = names[:len(names)-1]
			}
		default:
			names = append(names, seg)
		}
	}
	return joinCanonical(names), nil
}
