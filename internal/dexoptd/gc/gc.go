// Package gc reclaims disk space from compilation outputs that no
// installed package claims anymore. The caller declares the set of
// files that must survive (the managed roots); everything else found
// under the known output trees is removed.
package gc

import (
	"path/filepath"
	"strings"

	"dexoptd/internal/dexoptd/paths"
	"dexoptd/pkg/config"
	"dexoptd/pkg/logger"
	"dexoptd/pkg/platform"
)

// ManagedRoots declares the files the collector must preserve, by
// logical handle. Each handle expands to its concrete path set.
type ManagedRoots struct {
	Profiles         []paths.ProfilePath
	Artifacts        []paths.ArtifactPath
	VdexOnly         []paths.ArtifactPath
	SdmSdc           []paths.ArtifactPath
	RuntimeArtifacts []paths.RuntimeArtifactPath
}

// Collector walks the output trees under the data and expand roots.
type Collector struct {
	plat platform.Platform
	res  *paths.Resolver
	log  *logger.Logger
}

func NewCollector(plat platform.Platform, cfg *config.Config) *Collector {
	return &Collector{
		plat: plat,
		res:  paths.NewResolver(cfg),
		log:  logger.WithField("component", "gc"),
	}
}

// tree is one directory walked by the collector; only files accepted
// by the filter are candidates for removal.
type tree struct {
	dir    string
	filter func(path string) bool
}

func anyFile(string) bool { return true }

func underOatDir(path string) bool {
	return strings.Contains(path, "/oat/")
}

func underRuntimeCache(path string) bool {
	return strings.Contains(path, "/cache/oat_primary/")
}

func (c *Collector) trees() []tree {
	data := c.res.DataRoot()
	return []tree{
		{filepath.Join(data, "misc", "profiles", "ref"), anyFile},
		{filepath.Join(data, "misc", "profiles", "cur"), anyFile},
		{filepath.Join(data, "dalvik-cache"), anyFile},
		{filepath.Join(data, "app"), underOatDir},
		{filepath.Join(c.res.ExpandRoot(), "app"), underOatDir},
		{filepath.Join(data, "user"), underRuntimeCache},
	}
}

// Cleanup removes every candidate file that is neither in the managed
// roots' expansion nor a staged file protected by keepPreRebootStaged.
// It returns the number of bytes freed. Per-entry failures are logged
// and skipped.
func (c *Collector) Cleanup(roots *ManagedRoots, keepPreRebootStaged bool) (int64, error) {
	keep, err := c.expand(roots)
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, t := range c.trees() {
		c.walk(t.dir, func(path string, size int64) {
			if !t.filter(path) {
				return
			}
			if strings.HasSuffix(path, paths.StagedSuffix) {
				if keepPreRebootStaged {
					return
				}
				freed += c.remove(path, size)
				return
			}
			if _, ok := keep[path]; ok {
				return
			}
			freed += c.remove(path, size)
		})
	}
	return freed, nil
}

// CleanupPreRebootStagedFiles removes every staged file regardless of
// the managed roots.
func (c *Collector) CleanupPreRebootStagedFiles() {
	for _, t := range c.trees() {
		c.walk(t.dir, func(path string, size int64) {
			if strings.HasSuffix(path, paths.StagedSuffix) {
				c.remove(path, size)
			}
		})
	}
}

// expand resolves the managed roots to the concrete path set that must
// survive the sweep.
func (c *Collector) expand(roots *ManagedRoots) (map[string]struct{}, error) {
	keep := make(map[string]struct{})
	add := func(p string) { keep[p] = struct{}{} }

	for _, p := range roots.Profiles {
		path, err := c.res.BuildProfilePath(p)
		if err != nil {
			return nil, err
		}
		add(path)
	}
	for _, a := range roots.Artifacts {
		triple, err := c.res.OatPaths(a)
		if err != nil {
			return nil, err
		}
		for _, p := range triple.All() {
			add(p)
		}
	}
	for _, a := range roots.VdexOnly {
		triple, err := c.res.OatPaths(a)
		if err != nil {
			return nil, err
		}
		add(triple.Vdex)
	}
	for _, a := range roots.SdmSdc {
		sdm, err := c.res.BuildSdmPath(a)
		if err != nil {
			return nil, err
		}
		sdc, err := c.res.BuildSdcPath(a)
		if err != nil {
			return nil, err
		}
		add(sdm)
		add(sdc)
	}
	if len(roots.RuntimeArtifacts) > 0 {
		// Runtime images exist once per user; expand across the user
		// directories present on disk.
		users, err := c.plat.ReadDir(filepath.Join(c.res.DataRoot(), "user"))
		if err != nil && !c.plat.IsNotExist(err) {
			return nil, err
		}
		for _, user := range users {
			if !user.IsDir() {
				continue
			}
			for _, a := range roots.RuntimeArtifacts {
				path, err := c.res.RuntimeImagePath(a, user.Name())
				if err != nil {
					return nil, err
				}
				add(path)
			}
		}
	}
	return keep, nil
}

func (c *Collector) walk(dir string, visit func(path string, size int64)) {
	entries, err := c.plat.ReadDir(dir)
	if err != nil {
		if !c.plat.IsNotExist(err) {
			c.log.Warn("failed to read directory", "dir", dir, "error", err)
		}
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			c.walk(path, visit)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		visit(path, info.Size())
	}
}

func (c *Collector) remove(path string, size int64) int64 {
	if err := c.plat.Remove(path); err != nil {
		c.log.Warn("failed to remove file", "path", path, "error", err)
		return 0
	}
	c.log.Debug("removed", "path", path, "bytes", size)
	return size
}
