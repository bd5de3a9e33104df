package vfs

import (
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// Convenience wrappers over the client: File, Directory and Symlink own
// their handle and close it with the object.

// File is an opened regular file.
type File struct {
	client *Client
	handle kernel.Handle
}

// OpenFile opens an existing file at path with the given handle
// permissions.
func (c *Client) OpenFile(path string, perms fsproto.HandlePermissions) (*File, error) {
	handle, _, err := c.Open(path, fsproto.NodeFile, OpenExisting, false, kernel.PermNone, perms)
	if err != nil {
		return nil, err
	}
	return &File{client: c, handle: handle}, nil
}

// CreateFile creates a new file at path with the given node permissions
// and a read/write handle.
func (c *Client) CreateFile(path string, perms kernel.Permissions) (*File, error) {
	handle, _, err := c.Open(path, fsproto.NodeFile, CreateNew, false, perms,
		fsproto.HandleRead|fsproto.HandleWrite)
	if err != nil {
		return nil, err
	}
	return &File{client: c, handle: handle}, nil
}

// Handle returns the raw opened handle.
func (f *File) Handle() kernel.Handle { return f.handle }

// Read fills buf from offset.
func (f *File) Read(offset uint64, buf []byte) (int, error) {
	return f.client.Read(f.handle, offset, buf)
}

// Write stores buf at offset; the file is not grown.
func (f *File) Write(offset uint64, buf []byte) (int, error) {
	return f.client.Write(f.handle, offset, buf)
}

// Resize sets the file size.
func (f *File) Resize(newSize uint64) error {
	return f.client.Resize(f.handle, newSize)
}

// Stat reads the file metadata.
func (f *File) Stat() (fsproto.Metadata, error) {
	return f.client.Stat(f.handle)
}

// SetPermissions updates the node's permission bits.
func (f *File) SetPermissions(perms kernel.Permissions) error {
	return f.client.SetPermissions(f.handle, perms)
}

// Close releases the handle.
func (f *File) Close() error {
	return f.client.Close(f.handle)
}

// Directory is an opened directory.
type Directory struct {
	client *Client
	handle kernel.Handle
}

// OpenDirectory opens an existing directory at path.
func (c *Client) OpenDirectory(path string, perms fsproto.HandlePermissions) (*Directory, error) {
	handle, _, err := c.Open(path, fsproto.NodeDirectory, OpenExisting, false, kernel.PermNone, perms)
	if err != nil {
		return nil, err
	}
	return &Directory{client: c, handle: handle}, nil
}

// CreateDirectory creates a new directory at path.
func (c *Client) CreateDirectory(path string, perms kernel.Permissions) (*Directory, error) {
	handle, _, err := c.Open(path, fsproto.NodeDirectory, CreateNew, false, perms,
		fsproto.HandleRead|fsproto.HandleWrite)
	if err != nil {
		return nil, err
	}
	return &Directory{client: c, handle: handle}, nil
}

// Handle returns the raw opened handle.
func (d *Directory) Handle() kernel.Handle { return d.handle }

// List returns the directory entries.
func (d *Directory) List() ([]fsproto.DirEntry, error) {
	return d.client.List(d.handle)
}

// Remove unlinks name from this directory.
func (d *Directory) Remove(name string) error {
	return d.client.Remove(d.handle, name)
}

// MoveTo renames oldName in this directory to newName under dst.
func (d *Directory) MoveTo(oldName string, dst *Directory, newName string) error {
	return d.client.Move(d.handle, oldName, dst.handle, newName)
}

// Stat reads the directory metadata.
func (d *Directory) Stat() (fsproto.Metadata, error) {
	return d.client.Stat(d.handle)
}

// Close releases the handle.
func (d *Directory) Close() error {
	return d.client.Close(d.handle)
}

// Symlink is an opened symbolic link (the link itself, not its target).
type Symlink struct {
	client *Client
	handle kernel.Handle
}

// OpenSymlink opens the symlink at path without following it.
func (c *Client) OpenSymlink(path string) (*Symlink, error) {
	handle, _, err := c.Open(path, fsproto.NodeSymlink, OpenExisting, true, kernel.PermNone, fsproto.HandleRead)
	if err != nil {
		return nil, err
	}
	return &Symlink{client: c, handle: handle}, nil
}

// Target reads the link target.
func (s *Symlink) Target() (string, error) {
	return s.client.ReadSymlink(s.handle)
}

// Close releases the handle.
func (s *Symlink) Close() error {
	return s.client.Close(s.handle)
}
