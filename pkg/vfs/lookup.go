package vfs

import (
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// MaxSymlinkExpansions bounds symlink expansion during one resolution. The
// bound is a safety net against malicious loops, not a semantic limit.
const MaxSymlinkExpansions = 40

// LookupMode selects how the final path segment is treated.
type LookupMode int

const (
	// LookupFull resolves symbolically to the final node.
	LookupFull LookupMode = iota

	// LookupNoFollowLast expands intermediate symlinks but leaves the last
	// segment as-is.
	LookupNoFollowLast

	// LookupParent resolves to the parent directory and returns the final
	// name component unresolved.
	LookupParent

	// LookupNoMountpointLast resolves like LookupFull but does not traverse
	// into a mount covering the final node. Used by mount and unmount.
	LookupNoMountpointLast
)

// LookupResult is the outcome of a path resolution.
type LookupResult struct {
	Node VNode

	// Canonical is the canonical absolute path of Node.
	Canonical string

	// LastSegment is the unresolved final name, set in LookupParent mode.
	LastSegment string
}

// lookupPath walks a path from the root mount. ".." is applied against the
// resolved ancestry (a stack of traversed directories), not lexically,
// because symlink expansion may splice fresh dot segments into the
// remaining work.
func (s *Server) lookupPath(path string, mode LookupMode) (LookupResult, error) {
	segments, err := splitPath(path)
	if err != nil {
		return LookupResult{}, err
	}

	rootMount, ok := s.mounts.Get(RootMountID)
	if !ok {
		return LookupResult{}, ErrRuntimeError
	}
	root := rootMount.Root()

	cur := root
	ancestry := []VNode{root}
	names := []string{}
	expansions := 0

	remaining := segments
	for len(remaining) > 0 {
		segment := remaining[0]
		remaining = remaining[1:]
		isLast := len(remaining) == 0

		switch segment {
		case ".":
			if isLast && mode == LookupParent {
				return LookupResult{}, ErrInvalidArgument
			}
			continue
		case "..":
			if isLast && mode == LookupParent {
				return LookupResult{}, ErrInvalidArgument
			}
			// Parent of the root is the root.
			if len(ancestry) > 1 {
				ancestry = ancestry[:len(ancestry)-1]
				names = names[:len(names)-1]
				cur = ancestry[len(ancestry)-1]
			}
			continue
		}

		if isLast && mode == LookupParent {
			return LookupResult{Node: cur, Canonical: joinCanonical(names), LastSegment: segment}, nil
		}

		child, err := s.lookupChild(cur, segment)
		if err != nil {
			// A non-directory in the middle of the path surfaces as such.
			if err == ErrBadType {
				return LookupResult{}, ErrNotDirectory
			}
			return LookupResult{}, err
		}

		childType, err := s.nodeType(child)
		if err != nil {
			return LookupResult{}, err
		}

		if childType == fsproto.NodeSymlink && (!isLast || mode == LookupFull || mode == LookupNoMountpointLast) {
			expansions++
			if expansions > s.maxSymlinkExpansions {
				return LookupResult{}, ErrTooManySymlinks
			}

			target, err := s.readSymlinkVNode(child)
			if err != nil {
				return LookupResult{}, err
			}

			if len(target) > 0 && target[0] == '/' {
				targetSegments, serr := splitPath(target)
				if serr != nil {
					return LookupResult{}, ErrInvalidArgument
				}
				cur = root
				ancestry = ancestry[:1]
				names = names[:0]
				remaining = append(targetSegments, remaining...)
			} else {
				targetSegments, serr := splitPath("/" + target)
				if serr != nil || len(targetSegments) == 0 {
					return LookupResult{}, ErrInvalidArgument
				}
				// Relative: splice before the remaining work, resolved
				// against the symlink's parent (cur is unchanged).
				remaining = append(targetSegments, remaining...)
			}
			continue
		}

		if !(isLast && mode == LookupNoMountpointLast) {
			if mountID, covered := s.mounts.MountpointAt(child); covered {
				if m, alive := s.mounts.Get(mountID); alive {
					child = m.Root()
				}
			}
		}

		ancestry = append(ancestry, child)
		names = append(names, segment)
		cur = child
	}

	if mode == LookupParent {
		// The path named the root itself; it has no parent segment.
		return LookupResult{}, ErrInvalidArgument
	}
	return LookupResult{Node: cur, Canonical: joinCanonical(names)}, nil
}

// readSymlinkVNode reads a symlink target during resolution.
func (s *Server) readSymlinkVNode(vn VNode) (string, error) {
	return s.readSymlinkNode(vn)
}
