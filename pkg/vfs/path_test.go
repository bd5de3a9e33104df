package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPath(t *testing.T) {
	cases := []struct {
		path string
		want []string
	}{
		{"/", []string{}},
		{"/a", []string{"a"}},
		{"/a/b/c", []string{"a", "b", "c"}},
		{"//a//b/", []string{"a", "b"}},
		{"/a/./b", []string{"a", ".", "b"}},
		{"/a/../b", []string{"a", "..", "b"}},
	}
	for _, tc := range cases {
		got, err := splitPath(tc.path)
		require.NoError(t, err, "path %q", tc.path)
		assert.Equal(t, tc.want, got, "path %q", tc.path)
	}
}

func TestSplitPathRejectsInvalid(t *testing.T) {
	for _, path := range []string{"", "relative/path", "a", "/a/b\x00c"} {
		_, err := splitPath(path)
		assert.Error(t, err, "path %q", path)
	}
}

func TestCanonicalizePath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/a/b/", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/../b", "/b"},
		{"/../a", "/a"},
		{"//x///y//", "/x/y"},
	}
	for _, tc := range cases {
		got, err := canonicalizePath(tc.path)
		require.NoError(t, err, "path %q", tc.path)
		assert.Equal(t, tc.want, got, "path %q", tc.path)
	}
}

func TestMountListRoundTrip(t *testing.T) {
	rows := []MountInfo{
		{MountPoint: "/", FsName: "memfs-server"},
		{MountPoint: "/m", FsName: "memfs-server"},
	}

	buf := make([]byte, 256)
	used, ok := EncodeMountList(rows, buf)
	require.True(t, ok)

	decoded, err := DecodeMountList(buf[:used], uint32(len(rows)))
	require.NoError(t, err)
	assert.Equal(t, rows, decoded)

	// A buffer that cannot hold the rows reports as much.
	_, ok = EncodeMountList(rows, make([]byte, 8))
	assert.False(t, ok)
}
