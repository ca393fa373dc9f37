package svcagent

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// Catalog is the immutable set of descriptors produced by one folder scan.
// A new scan replaces the catalog wholesale.
type Catalog struct {
	root        string
	mask        string
	scannedAt   time.Time
	descriptors []Descriptor
	skipped     []error
}

// NewCatalog builds a catalog from already loaded descriptors
func NewCatalog(root, mask string, descriptors []Descriptor) *Catalog {
	return &Catalog{
		root:        root,
		mask:        mask,
		scannedAt:   time.Now(),
		descriptors: append([]Descriptor(nil), descriptors...),
	}
}

// Scan walks root recursively and loads every file whose base name matches
// mask. Files that fail to load are skipped and reported through Skipped.
// A missing root yields an empty catalog.
func Scan(root, mask string) (*Catalog, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving service folder: %w", err)
	}
	if _, err := filepath.Match(mask, ""); err != nil {
		return nil, fmt.Errorf("service file mask %q: %w", mask, err)
	}

	c := &Catalog{root: absRoot, mask: mask}

	err = filepath.WalkDir(absRoot, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == absRoot {
				if errors.Is(walkErr, fs.ErrNotExist) {
					return fs.SkipAll
				}
				return walkErr
			}
			// Unreadable subtree; keep scanning the rest
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(mask, entry.Name()); !ok {
			return nil
		}

		d, err := LoadDescriptor(path)
		if err != nil {
			c.skipped = append(c.skipped, err)
			return nil
		}
		c.descriptors = append(c.descriptors, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", absRoot, err)
	}

	c.scannedAt = time.Now()
	return c, nil
}

// Root returns the absolute folder the catalog was scanned from
func (c *Catalog) Root() string { return c.root }

// Mask returns the file mask used for the scan
func (c *Catalog) Mask() string { return c.mask }

// ScannedAt returns when the scan completed
func (c *Catalog) ScannedAt() time.Time { return c.scannedAt }

// Len returns the number of descriptors
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.descriptors)
}

// Descriptors returns a copy of the descriptors in scan order
func (c *Catalog) Descriptors() []Descriptor {
	if c == nil {
		return nil
	}
	return append([]Descriptor(nil), c.descriptors...)
}

// Skipped returns the load errors of files excluded from the catalog
func (c *Catalog) Skipped() []error {
	if c == nil {
		return nil
	}
	return append([]error(nil), c.skipped...)
}

// Find returns the unique descriptor matching name and version.
// With an empty version, several candidates are rejected as ErrAmbiguous.
func (c *Catalog) Find(name, version string) (Descriptor, error) {
	var matches []Descriptor
	for _, d := range c.Descriptors() {
		if d.Matches(name, version) {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return Descriptor{}, ErrNotFound
	case 1:
		return matches[0], nil
	}

	if version != "" {
		// Same name and version in several files; scan order decides
		return matches[0], nil
	}

	versions := make([]string, 0, len(matches))
	for _, d := range matches {
		v := d.Version
		if v == "" {
			v = "<none>"
		}
		versions = append(versions, v)
	}
	return Descriptor{}, fmt.Errorf("%w: candidates %s", ErrAmbiguous, strings.Join(versions, ", "))
}

// Infos projects the catalog for the services query
func (c *Catalog) Infos() []ServiceInfo {
	out := make([]ServiceInfo, 0, c.Len())
	for _, d := range c.Descriptors() {
		out = append(out, d.Info())
	}
	return out
}
