package svcagent

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanEmptyAndMissingFolder(t *testing.T) {
	dir := t.TempDir()

	c, err := Scan(dir, DefaultServiceFileMask)
	require.NoError(t, err)
	assert.Zero(t, c.Len())
	assert.Empty(t, c.Infos())

	c, err = Scan(filepath.Join(dir, "does-not-exist"), DefaultServiceFileMask)
	require.NoError(t, err)
	assert.Zero(t, c.Len())
}

func TestScanRecursiveWithMask(t *testing.T) {
	dir := t.TempDir()
	top := writeDescriptor(t, dir, "math.service.yaml", "name: math\n")
	deep := writeDescriptor(t, dir, "team/a/b/web.service.yaml", "name: web\nversion: 2\n")
	writeDescriptor(t, dir, "notes.yaml", "name: not-a-service\n")
	writeDescriptor(t, dir, "team/readme.txt", "name: nope\n")

	c, err := Scan(dir, DefaultServiceFileMask)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	paths := map[string]string{}
	for _, d := range c.Descriptors() {
		paths[d.Name] = d.FilePath
	}
	assert.Equal(t, map[string]string{"math": top, "web": deep}, paths)
	assert.True(t, filepath.IsAbs(c.Root()))
	assert.Equal(t, DefaultServiceFileMask, c.Mask())
	assert.False(t, c.ScannedAt().IsZero())

	c, err = Scan(dir, "*.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
}

func TestScanSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "good.service.yaml", "name: good\n")
	writeDescriptor(t, dir, "nameless.service.yaml", "version: 1\ncommand: /bin/true\n")
	writeDescriptor(t, dir, "blank.service.yaml", "name: \"  \"\n")
	writeDescriptor(t, dir, "broken.service.yaml", "name: [unterminated\n")

	c, err := Scan(dir, DefaultServiceFileMask)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	assert.Equal(t, "good", c.Descriptors()[0].Name)

	skipped := c.Skipped()
	require.Len(t, skipped, 3)
	missing := 0
	for _, err := range skipped {
		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr))
		if errors.Is(err, ErrMissingName) {
			missing++
		}
	}
	assert.Equal(t, 2, missing)
}

func TestScanUnreadableSubdir(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}

	dir := t.TempDir()
	writeDescriptor(t, dir, "ok.service.yaml", "name: ok\n")
	writeDescriptor(t, dir, "locked/hidden.service.yaml", "name: hidden\n")
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, DirMode) })

	c, err := Scan(dir, DefaultServiceFileMask)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	assert.Equal(t, "ok", c.Descriptors()[0].Name)
}

func TestScanBadMask(t *testing.T) {
	_, err := Scan(t.TempDir(), "[")
	require.Error(t, err)
}

func TestCatalogFind(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "a/math.service.yaml", "name: math\nversion: 1\n")
	first := writeDescriptor(t, dir, "b/math.service.yaml", "name: math\nversion: 2\n")
	writeDescriptor(t, dir, "c/math.service.yaml", "name: math\nversion: 2\n")
	writeDescriptor(t, dir, "web.service.yaml", "name: web\n")

	c, err := Scan(dir, DefaultServiceFileMask)
	require.NoError(t, err)

	d, err := c.Find("web", "")
	require.NoError(t, err)
	assert.Equal(t, "web", d.Name)

	_, err = c.Find("web", "1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.Find("ghost", "")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.Find("math", "")
	require.ErrorIs(t, err, ErrAmbiguous)
	assert.Contains(t, err.Error(), "1, 2, 2")

	// Duplicate name and version resolves to the first file in scan order
	d, err = c.Find("math", "2")
	require.NoError(t, err)
	assert.Equal(t, first, d.FilePath)
}

func TestCatalogNil(t *testing.T) {
	var c *Catalog
	assert.Zero(t, c.Len())
	assert.Nil(t, c.Descriptors())
	assert.Nil(t, c.Skipped())
	assert.Empty(t, c.Infos())
	_, err := c.Find("math", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewCatalogCopies(t *testing.T) {
	in := []Descriptor{{Name: "math"}}
	c := NewCatalog("/srv", DefaultServiceFileMask, in)
	in[0].Name = "changed"

	out := c.Descriptors()
	assert.Equal(t, "math", out[0].Name)
	out[0].Name = "changed"
	assert.Equal(t, "math", c.Descriptors()[0].Name)
}
