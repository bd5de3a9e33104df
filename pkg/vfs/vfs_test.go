package vfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kernel/local"
	"github.com/marmos91/helium/pkg/kobject"
	"github.com/marmos91/helium/pkg/memfs"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// testPlane boots memfs + vfs over one in-process kernel and returns a
// client bound to a separate process.
type testPlane struct {
	kernel *local.Kernel
	server *Server
	client *Client
}

func bootPlane(t *testing.T) *testPlane {
	t.Helper()

	k := local.NewKernel()

	memfsServer, err := memfs.NewServer(kobject.NewRuntime(k.Spawn("memfs-server")), memfs.PortName)
	require.NoError(t, err)
	go func() { _ = memfsServer.Run() }()
	t.Cleanup(memfsServer.Shutdown)

	vfsServer, err := NewServer(kobject.NewRuntime(k.Spawn("vfs-server")))
	require.NoError(t, err)
	require.NoError(t, vfsServer.MountRoot(memfs.PortName, ""))
	go func() { _ = vfsServer.Run() }()
	t.Cleanup(vfsServer.Shutdown)

	client := NewClient(kobject.NewRuntime(k.Spawn("app")))
	return &testPlane{kernel: k, server: vfsServer, client: client}
}

const rwx = kernel.PermRead | kernel.PermWrite | kernel.PermExec

func TestFileBasics(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	dir, err := c.CreateDirectory("/a", rwx)
	require.NoError(t, err)
	require.NoError(t, dir.Close())

	f, err := c.CreateFile("/a/f", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)

	require.NoError(t, f.Resize(5))

	n, err := f.Write(0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = f.Read(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf)

	meta, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, fsproto.NodeFile, meta.Type)
	assert.Equal(t, uint64(5), meta.Size)

	require.NoError(t, f.Close())
}

func TestSymlinkChain(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	dir, err := c.CreateDirectory("/x", rwx)
	require.NoError(t, err)
	require.NoError(t, dir.Close())

	f, err := c.CreateFile("/x/target", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	require.NoError(t, f.Resize(3))
	_, err = f.Write(0, []byte("end"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, c.CreateSymlink("/x/l1", "/x/target"))
	require.NoError(t, c.CreateSymlink("/x/l2", "/x/l1"))

	opened, err := c.OpenFile("/x/l2", fsproto.HandleRead)
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := opened.Read(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("end"), buf)
	require.NoError(t, opened.Close())

	// The link itself is reachable with no-follow.
	link, err := c.OpenSymlink("/x/l2")
	require.NoError(t, err)
	target, err := link.Target()
	require.NoError(t, err)
	assert.Equal(t, "/x/l1", target)
	require.NoError(t, link.Close())
}

func TestRelativeSymlink(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	for _, path := range []string{"/r", "/r/sub"} {
		d, err := c.CreateDirectory(path, rwx)
		require.NoError(t, err)
		require.NoError(t, d.Close())
	}

	f, err := c.CreateFile("/r/sub/data", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	require.NoError(t, f.Resize(2))
	_, err = f.Write(0, []byte("ok"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Relative target with a dot-dot component.
	require.NoError(t, c.CreateSymlink("/r/sub/up", "../sub/data"))

	opened, err := c.OpenFile("/r/sub/up", fsproto.HandleRead)
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = opened.Read(0, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), buf)
	require.NoError(t, opened.Close())
}

func TestSymlinkLoopBound(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	require.NoError(t, c.CreateSymlink("/loop-a", "/loop-b"))
	require.NoError(t, c.CreateSymlink("/loop-b", "/loop-a"))

	_, err := c.OpenFile("/loop-a", fsproto.HandleRead)
	require.Error(t, err)
	assert.Equal(t, error(ErrTooManySymlinks), err)
}

func TestRemoveNonEmpty(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	d, err := c.CreateDirectory("/d", rwx)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	f, err := c.CreateFile("/d/f", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	root, err := c.OpenDirectory("/", fsproto.HandleRead|fsproto.HandleWrite)
	require.NoError(t, err)
	defer root.Close()

	// Removing a populated directory is refused.
	err = root.Remove("d")
	assert.Equal(t, error(ErrBusy), err)

	dd, err := c.OpenDirectory("/d", fsproto.HandleRead|fsproto.HandleWrite)
	require.NoError(t, err)
	require.NoError(t, dd.Remove("f"))
	require.NoError(t, dd.Close())

	require.NoError(t, root.Remove("d"))
	_, err = c.OpenDirectory("/d", fsproto.HandleRead)
	assert.Equal(t, error(ErrNotFound), err)
}

func TestMountRoundTrip(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	d, err := c.CreateDirectory("/m", rwx)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	require.NoError(t, c.Mount(memfs.PortName, "/m", ""))

	// The mounted instance is empty even though /m held nothing anyway;
	// create inside it.
	f, err := c.CreateFile("/m/foo", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mounts, err := c.ListMounts()
	require.NoError(t, err)
	assert.Contains(t, mounts, MountInfo{MountPoint: "/m", FsName: memfs.PortName})

	require.NoError(t, c.Unmount("/m"))

	mounts, err = c.ListMounts()
	require.NoError(t, err)
	assert.NotContains(t, mounts, MountInfo{MountPoint: "/m", FsName: memfs.PortName})

	// The underlying directory is visible (and empty) again.
	dd, err := c.OpenDirectory("/m", fsproto.HandleRead)
	require.NoError(t, err)
	entries, err := dd.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, dd.Close())
}

func TestUnmountBusy(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	d, err := c.CreateDirectory("/busy", rwx)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, c.Mount(memfs.PortName, "/busy", ""))

	f, err := c.CreateFile("/busy/f", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)

	// A live handle on the mount blocks unmount.
	err = c.Unmount("/busy")
	assert.Equal(t, error(ErrBusy), err)

	require.NoError(t, f.Close())
	require.NoError(t, c.Unmount("/busy"))
}

func TestOpenModes(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	// CreateNew fails on an existing node.
	f, err := c.CreateFile("/f", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	require.NoError(t, f.Resize(4))
	require.NoError(t, f.Close())

	_, _, err = c.Open("/f", fsproto.NodeFile, CreateNew, false, kernel.PermRead, fsproto.HandleRead)
	assert.Equal(t, error(ErrAlreadyExists), err)

	// OpenExisting fails on a missing node.
	_, _, err = c.Open("/missing", fsproto.NodeFile, OpenExisting, false, kernel.PermNone, fsproto.HandleRead)
	assert.Equal(t, error(ErrNotFound), err)

	// OpenAlways opens the existing file.
	h, nodeType, err := c.Open("/f", fsproto.NodeFile, OpenAlways, false, kernel.PermRead|kernel.PermWrite, fsproto.HandleRead)
	require.NoError(t, err)
	assert.Equal(t, fsproto.NodeFile, nodeType)
	meta, err := c.Stat(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), meta.Size)
	require.NoError(t, c.Close(h))

	// CreateAlways truncates an existing file.
	h, _, err = c.Open("/f", fsproto.NodeFile, CreateAlways, false, kernel.PermRead|kernel.PermWrite,
		fsproto.HandleRead|fsproto.HandleWrite)
	require.NoError(t, err)
	meta, err = c.Stat(h)
	require.NoError(t, err)
	assert.Zero(t, meta.Size)
	require.NoError(t, c.Close(h))

	// CreateAlways on an existing directory is AlreadyExists.
	d, err := c.CreateDirectory("/dir", rwx)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	_, _, err = c.Open("/dir", fsproto.NodeDirectory, CreateAlways, false, rwx, fsproto.HandleRead)
	assert.Equal(t, error(ErrAlreadyExists), err)

	// Symlinks cannot be created through Open.
	_, _, err = c.Open("/sym", fsproto.NodeSymlink, CreateNew, false, rwx, fsproto.HandleRead)
	assert.Equal(t, error(ErrInvalidArgument), err)

	// Type mismatch surfaces as BadType.
	_, _, err = c.Open("/dir", fsproto.NodeFile, OpenExisting, false, kernel.PermNone, fsproto.HandleRead)
	assert.Equal(t, error(ErrBadType), err)
}

func TestPermissionChecks(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	// CreateFile asks for a read/write handle; on a read-only node the
	// open half is denied (the node itself is created first).
	_, err := c.CreateFile("/p", kernel.PermRead)
	assert.Equal(t, error(ErrAccessDenied), err)

	// A read-only handle works, but writes through it are denied.
	ro, err := c.OpenFile("/p", fsproto.HandleRead)
	require.NoError(t, err)

	_, werr := ro.Write(0, []byte("x"))
	assert.Equal(t, error(ErrAccessDenied), werr)

	buf := make([]byte, 1)
	n, rerr := ro.Read(0, buf)
	require.NoError(t, rerr)
	assert.Zero(t, n)

	require.NoError(t, ro.Close())
}

func TestMoveBetweenDirectories(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	for _, path := range []string{"/src", "/dst"} {
		d, err := c.CreateDirectory(path, rwx)
		require.NoError(t, err)
		require.NoError(t, d.Close())
	}
	f, err := c.CreateFile("/src/f", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	require.NoError(t, f.Resize(2))
	_, err = f.Write(0, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	src, err := c.OpenDirectory("/src", fsproto.HandleRead|fsproto.HandleWrite)
	require.NoError(t, err)
	dst, err := c.OpenDirectory("/dst", fsproto.HandleRead|fsproto.HandleWrite)
	require.NoError(t, err)

	require.NoError(t, src.MoveTo("f", dst, "g"))

	_, err = c.OpenFile("/src/f", fsproto.HandleRead)
	assert.Equal(t, error(ErrNotFound), err)

	moved, err := c.OpenFile("/dst/g", fsproto.HandleRead)
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = moved.Read(0, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), buf)
	require.NoError(t, moved.Close())

	require.NoError(t, src.Close())
	require.NoError(t, dst.Close())
}

func TestCrossMountMoveNotSupported(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	d, err := c.CreateDirectory("/other", rwx)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, c.Mount(memfs.PortName, "/other", ""))

	f, err := c.CreateFile("/file", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	root, err := c.OpenDirectory("/", fsproto.HandleRead|fsproto.HandleWrite)
	require.NoError(t, err)
	other, err := c.OpenDirectory("/other", fsproto.HandleRead|fsproto.HandleWrite)
	require.NoError(t, err)

	err = root.MoveTo("file", other, "file")
	assert.Equal(t, error(ErrNotSupported), err)

	require.NoError(t, root.Close())
	require.NoError(t, other.Close())
}

func TestListDirectory(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	d, err := c.CreateDirectory("/ls", rwx)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	for _, name := range []string{"a", "b", "c"} {
		f, err := c.CreateFile("/ls/"+name, kernel.PermRead|kernel.PermWrite)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	require.NoError(t, c.CreateSymlink("/ls/link", "/ls/a"))

	dir, err := c.OpenDirectory("/ls", fsproto.HandleRead)
	require.NoError(t, err)
	entries, err := dir.List()
	require.NoError(t, err)
	require.NoError(t, dir.Close())

	names := make(map[string]fsproto.NodeType, len(entries))
	for _, e := range entries {
		names[e.Name] = e.Type
	}
	assert.Equal(t, map[string]fsproto.NodeType{
		"a": fsproto.NodeFile, "b": fsproto.NodeFile, "c": fsproto.NodeFile,
		"link": fsproto.NodeSymlink,
	}, names)
}

func TestCacheSoundness(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	d, err := c.CreateDirectory("/cs", rwx)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	f, err := c.CreateFile("/cs/f", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Warm the caches.
	warm, err := c.OpenFile("/cs/f", fsproto.HandleRead)
	require.NoError(t, err)
	metaWarm, err := warm.Stat()
	require.NoError(t, err)
	require.NoError(t, warm.Close())

	// Drop every cache entry; a cold resolution must agree with the warm
	// one.
	p.server.lookupCache.invalidateMount(RootMountID)
	p.server.attrCache.invalidateMount(RootMountID)

	cold, err := c.OpenFile("/cs/f", fsproto.HandleRead)
	require.NoError(t, err)
	metaCold, err := cold.Stat()
	require.NoError(t, err)
	require.NoError(t, cold.Close())

	assert.Equal(t, metaWarm.Type, metaCold.Type)
	assert.Equal(t, metaWarm.Permissions, metaCold.Permissions)
	assert.Equal(t, metaWarm.Size, metaCold.Size)
}

func TestTerminationClosesHandles(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	d, err := c.CreateDirectory("/tm", rwx)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, c.Mount(memfs.PortName, "/tm", ""))

	// A short-lived process opens a file on the mount and dies without
	// closing it.
	victimTask := p.kernel.Spawn("victim")
	victim := NewClient(kobject.NewRuntime(victimTask))
	f, err := victim.CreateFile("/tm/f", kernel.PermRead|kernel.PermWrite)
	require.NoError(t, err)
	_ = f

	// The open handle blocks unmount.
	err = c.Unmount("/tm")
	require.Equal(t, error(ErrBusy), err)

	require.NoError(t, victimTask.ProcessExit(0))

	// The VFS sweeps the dead client's handles; once that lands the mount
	// is free again.
	deadline := time.After(5 * time.Second)
	for {
		if err := c.Unmount("/tm"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("termination cleanup did not release the mount")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestDotAndDotDotResolution(t *testing.T) {
	p := bootPlane(t)
	c := p.client

	d, err := c.CreateDirectory("/nav", rwx)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	f, err := c.CreateFile("/nav/f", kernel.PermRead)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	for _, path := range []string{
		"/nav/./f",
		"/nav/../nav/f",
		"//nav//f/",
		"/../nav/f",
	} {
		opened, err := c.OpenFile(path, fsproto.HandleRead)
		require.NoError(t, err, "path %q", path)
		require.NoError(t, opened.Close())
	}
}
