package memfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kernel/local"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

func testBackend(t *testing.T) (*Backend, kernel.Handle, fsproto.NodeID) {
	t.Helper()
	b := NewBackend(local.NewKernel().Spawn("memfs"), nil)
	mount, root, err := b.Mount("")
	require.NoError(t, err)
	return b, mount, root
}

func TestCreateLookupRemove(t *testing.T) {
	b, mount, root := testBackend(t)

	id, err := b.Create(mount, root, "f", fsproto.NodeFile, kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)

	got, err := b.Lookup(mount, root, "f")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	// Duplicate names are rejected.
	_, err = b.Create(mount, root, "f", fsproto.NodeFile, kernel.PermRead)
	assert.Equal(t, fsproto.ErrAlreadyExists, err)

	// Empty names are rejected.
	_, err = b.Create(mount, root, "", fsproto.NodeFile, kernel.PermRead)
	assert.Equal(t, fsproto.ErrInvalidArgument, err)

	require.NoError(t, b.Remove(mount, root, "f"))
	_, err = b.Lookup(mount, root, "f")
	assert.Equal(t, fsproto.ErrNotFound, err)

	assert.Equal(t, fsproto.ErrNotFound, b.Remove(mount, root, "f"))
}

func TestLookupOnFileIsBadType(t *testing.T) {
	b, mount, root := testBackend(t)

	id, err := b.Create(mount, root, "f", fsproto.NodeFile, kernel.PermRead)
	require.NoError(t, err)

	_, err = b.Lookup(mount, id, "x")
	assert.Equal(t, fsproto.ErrBadType, err)
}

func TestReadWriteResizeContracts(t *testing.T) {
	b, mount, root := testBackend(t)

	id, err := b.Create(mount, root, "f", fsproto.NodeFile, kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)

	h, err := b.OpenFile(mount, id, fsproto.HandleRead|fsproto.HandleWrite)
	require.NoError(t, err)

	// Writes do not grow the file.
	n, err := b.WriteFile(mount, h, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Zero(t, n)

	size := uint64(5)
	require.NoError(t, b.SetMetadata(mount, id, fsproto.SetMetadata{Size: &size}))

	n, err = b.WriteFile(mount, h, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = b.ReadFile(mount, h, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf)

	// Reads past the end return zero bytes.
	n, err = b.ReadFile(mount, h, 5, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Short read at the tail.
	n, err = b.ReadFile(mount, h, 3, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("lo"), buf[:2])

	// Growth zero-fills and preserves.
	size = 8
	require.NoError(t, b.SetMetadata(mount, id, fsproto.SetMetadata{Size: &size}))
	buf = make([]byte, 8)
	n, err = b.ReadFile(mount, h, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{'h', 'e', 'l', 'l', 'o', 0, 0, 0}, buf)

	// Shrink truncates.
	size = 2
	require.NoError(t, b.SetMetadata(mount, id, fsproto.SetMetadata{Size: &size}))
	meta, err := b.GetMetadata(mount, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.Size)

	require.NoError(t, b.CloseFile(mount, h))
}

func TestResizeNonFileRejected(t *testing.T) {
	b, mount, root := testBackend(t)

	dir, err := b.Create(mount, root, "d", fsproto.NodeDirectory, kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)

	size := uint64(10)
	assert.Equal(t, fsproto.ErrInvalidArgument,
		b.SetMetadata(mount, dir, fsproto.SetMetadata{Size: &size}))
}

func TestMovePreservesNode(t *testing.T) {
	b, mount, root := testBackend(t)

	dirA, err := b.Create(mount, root, "a", fsproto.NodeDirectory, kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	dirB, err := b.Create(mount, root, "b", fsproto.NodeDirectory, kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)

	id, err := b.Create(mount, dirA, "f", fsproto.NodeFile, kernel.PermRead)
	require.NoError(t, err)

	require.NoError(t, b.Move(mount, dirA, "f", dirB, "g"))

	_, err = b.Lookup(mount, dirA, "f")
	assert.Equal(t, fsproto.ErrNotFound, err)

	got, err := b.Lookup(mount, dirB, "g")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	// Moving onto an existing destination is rejected.
	_, err = b.Create(mount, dirA, "x", fsproto.NodeFile, kernel.PermRead)
	require.NoError(t, err)
	assert.Equal(t, fsproto.ErrAlreadyExists, b.Move(mount, dirA, "x", dirB, "g"))
}

func TestRemoveWhileOpenKeepsNodeAlive(t *testing.T) {
	b, mount, root := testBackend(t)

	id, err := b.Create(mount, root, "f", fsproto.NodeFile, kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)

	size := uint64(3)
	require.NoError(t, b.SetMetadata(mount, id, fsproto.SetMetadata{Size: &size}))

	h, err := b.OpenFile(mount, id, fsproto.HandleRead|fsproto.HandleWrite)
	require.NoError(t, err)

	_, err = b.WriteFile(mount, h, 0, []byte("abc"))
	require.NoError(t, err)

	// Unlink the directory entry; the open handle keeps the node alive.
	require.NoError(t, b.Remove(mount, root, "f"))
	_, err = b.Lookup(mount, root, "f")
	assert.Equal(t, fsproto.ErrNotFound, err)

	buf := make([]byte, 3)
	n, err := b.ReadFile(mount, h, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("abc"), buf)

	// The final close deletes the node.
	require.NoError(t, b.CloseFile(mount, h))
	_, err = b.GetMetadata(mount, id)
	assert.Equal(t, fsproto.ErrNotFound, err)
}

func TestRemoveNonEmptyDirectory(t *testing.T) {
	b, mount, root := testBackend(t)

	dir, err := b.Create(mount, root, "d", fsproto.NodeDirectory, kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	_, err = b.Create(mount, dir, "f", fsproto.NodeFile, kernel.PermRead)
	require.NoError(t, err)

	assert.Equal(t, fsproto.ErrNotEmpty, b.Remove(mount, root, "d"))

	require.NoError(t, b.Remove(mount, dir, "f"))
	require.NoError(t, b.Remove(mount, root, "d"))
}

func TestDirectoryCascadeOnLastClose(t *testing.T) {
	b, mount, root := testBackend(t)

	dir, err := b.Create(mount, root, "d", fsproto.NodeDirectory, kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)

	// Hold the directory open, then unlink it while empty.
	h, err := b.OpenDir(mount, dir)
	require.NoError(t, err)
	require.NoError(t, b.Remove(mount, root, "d"))

	// It is still usable through the handle; populate it.
	child, err := b.Create(mount, dir, "f", fsproto.NodeFile, kernel.PermRead)
	require.NoError(t, err)

	entries, err := b.ListDir(mount, h)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "f", entries[0].Name)
	assert.Equal(t, fsproto.NodeFile, entries[0].Type)

	// The last close cascades into the children.
	require.NoError(t, b.CloseDir(mount, h))
	_, err = b.GetMetadata(mount, dir)
	assert.Equal(t, fsproto.ErrNotFound, err)
	_, err = b.GetMetadata(mount, child)
	assert.Equal(t, fsproto.ErrNotFound, err)
}

func TestSymlinks(t *testing.T) {
	b, mount, root := testBackend(t)

	id, err := b.CreateSymlink(mount, root, "l", "/target/path")
	require.NoError(t, err)

	target, err := b.ReadSymlink(mount, id)
	require.NoError(t, err)
	assert.Equal(t, "/target/path", target)

	meta, err := b.GetMetadata(mount, id)
	require.NoError(t, err)
	assert.Equal(t, fsproto.NodeSymlink, meta.Type)
	assert.Equal(t, kernel.PermRead|kernel.PermWrite|kernel.PermExec, meta.Permissions)

	// Duplicate symlink names are rejected.
	_, err = b.CreateSymlink(mount, root, "l", "/elsewhere")
	assert.Equal(t, fsproto.ErrAlreadyExists, err)

	// Reading a non-symlink is a type error.
	file, err := b.Create(mount, root, "f", fsproto.NodeFile, kernel.PermRead)
	require.NoError(t, err)
	_, err = b.ReadSymlink(mount, file)
	assert.Equal(t, fsproto.ErrBadType, err)
}

func TestTimestamps(t *testing.T) {
	now := uint64(0)
	clock := func() uint64 { now++; return now }

	b := NewBackend(local.NewKernel().Spawn("memfs"), clock)
	mount, root, err := b.Mount("")
	require.NoError(t, err)

	id, err := b.Create(mount, root, "f", fsproto.NodeFile, kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)

	before, err := b.GetMetadata(mount, id)
	require.NoError(t, err)

	size := uint64(4)
	require.NoError(t, b.SetMetadata(mount, id, fsproto.SetMetadata{Size: &size}))

	after, err := b.GetMetadata(mount, id)
	require.NoError(t, err)
	assert.Greater(t, after.Modified, before.Modified)
	assert.Equal(t, before.Created, after.Created)
}

func TestMountInstancesAreIndependent(t *testing.T) {
	b := NewBackend(local.NewKernel().Spawn("memfs"), nil)

	m1, r1, err := b.Mount("")
	require.NoError(t, err)
	m2, r2, err := b.Mount("")
	require.NoError(t, err)

	_, err = b.Create(m1, r1, "only-in-one", fsproto.NodeFile, kernel.PermRead)
	require.NoError(t, err)

	_, err = b.Lookup(m2, r2, "only-in-one")
	assert.Equal(t, fsproto.ErrNotFound, err)

	require.NoError(t, b.Unmount(m2))
	_, err = b.Lookup(m2, r2, "anything")
	assert.Equal(t, fsproto.ErrInvalidArgument, err)

	// The first instance is untouched.
	_, err = b.Lookup(m1, r1, "only-in-one")
	assert.NoError(t, err)
}
