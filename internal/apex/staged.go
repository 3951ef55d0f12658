package apex

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrStagedDisallowed is returned when a caller asks for staged-install
// state in early-boot mode, where the package service is not up yet.
var ErrStagedDisallowed = errors.New("prefer_staged not allowed on early boot VMs")

// StagedInfo describes a module update that has been staged and takes
// effect on the next reboot.
type StagedInfo struct {
	ModuleName       string
	VersionCode      int64
	DiskImagePath    string
	HasClassPathJars bool
}

// PackageService is the boundary to the package-listing collaborator
// that knows about staged installs.
type PackageService interface {
	// StagedApexModuleNames lists the names of modules with a staged update.
	StagedApexModuleNames(ctx context.Context) ([]string, error)

	// StagedApexInfo returns staged details for one module, or nil if the
	// module has no staged update.
	StagedApexInfo(ctx context.Context, name string) (*StagedInfo, error)
}

// OverrideStaged rewrites the list in place to reflect post-reboot state
// for one staged module. If the matching entry is both factory and
// active, an inactive clone preserving the factory attributes is
// appended first, so a usable factory copy survives the override (some
// modules, e.g. shared-lib providers, need it even when inactive). The
// active entry is then overwritten with the staged version, image path,
// and classpath flag, and its timestamp is recomputed from the staged
// image's mtime.
//
// Applying the same staged input twice must not duplicate the fallback
// entry, so the append is skipped when an inactive copy already exists.
func (l *List) OverrideStaged(staged *StagedInfo) error {
	var fallback *Info
	for i := range l.Modules {
		m := &l.Modules[i]
		if m.Name != staged.ModuleName {
			continue
		}
		if m.IsActive && m.IsFactory {
			if !l.hasInactiveEntry(m.Name) {
				clone := *m
				clone.IsActive = false
				fallback = &clone
			}
			// Still active, and overridden right below.
			m.IsFactory = false
		}
		if m.IsActive {
			ts, err := lastUpdated(staged.DiskImagePath)
			if err != nil {
				return fmt.Errorf("staged image for %s: %w", staged.ModuleName, err)
			}
			m.Version = uint64(staged.VersionCode)
			m.Path = staged.DiskImagePath
			m.HasClasspathJar = staged.HasClassPathJars
			m.LastUpdateSeconds = ts
		}
	}
	if fallback != nil {
		l.Modules = append(l.Modules, *fallback)
	}
	return nil
}

func (l *List) hasInactiveEntry(name string) bool {
	for i := range l.Modules {
		if l.Modules[i].Name == name && !l.Modules[i].IsActive {
			return true
		}
	}
	return false
}

// lastUpdated returns the modification time of path in seconds since epoch.
func lastUpdated(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}
	return uint64(fi.ModTime().Unix()), nil
}

// ListForRequest returns the catalog a single VM-creation request should
// see: a clone of the shared base, optionally rewritten to prefer staged
// module state. The base catalog is never mutated.
func (l *Loader) ListForRequest(ctx context.Context, preferStaged bool, pm PackageService) (*List, error) {
	base, err := l.Load()
	if err != nil {
		return nil, err
	}
	list := base.Clone()

	if !preferStaged {
		return list, nil
	}
	if l.earlyBoot {
		return nil, ErrStagedDisallowed
	}
	if pm == nil {
		return nil, fmt.Errorf("%w: no package service", ErrCatalogUnavailable)
	}

	names, err := pm.StagedApexModuleNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list staged modules: %w", err)
	}
	for _, name := range names {
		staged, err := pm.StagedApexInfo(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("staged info for %s: %w", name, err)
		}
		if staged == nil {
			continue
		}
		if err := list.OverrideStaged(staged); err != nil {
			return nil, err
		}
	}
	return list, nil
}
