// Package apex resolves which APEX modules a virtual machine payload
// receives: it loads the host's installed-module listing, applies staged
// install-on-reboot overrides to a per-request copy, and selects the
// modules a VM manifest asks for.
package apex

import (
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ErrCatalogUnavailable is returned when the APEX listing source is
// missing or structurally malformed. There is no partial catalog: any
// document-level failure aborts the whole load.
var ErrCatalogUnavailable = errors.New("apex catalog unavailable")

// Info describes one installed APEX module.
type Info struct {
	Name               string `json:"name"`
	Version            uint64 `json:"version"`
	Path               string `json:"path"`
	PreinstalledPath   string `json:"preinstalled_path"`
	HasClasspathJar    bool   `json:"has_classpath_jar"`
	LastUpdateSeconds  uint64 `json:"last_update_seconds"`
	IsFactory          bool   `json:"is_factory"`
	IsActive           bool   `json:"is_active"`
	ProvidesSharedLibs bool   `json:"provides_shared_libs"`
}

// List is an ordered catalog of APEX modules.
type List struct {
	Modules []Info `json:"modules"`
}

// Clone returns a deep copy of the list. Per-request customization
// (staged override, selection) always operates on a clone so the shared
// base catalog stays immutable.
func (l *List) Clone() *List {
	modules := make([]Info, len(l.Modules))
	copy(modules, l.Modules)
	return &List{Modules: modules}
}

// apexInfoList mirrors the on-disk apex-info-list document.
type apexInfoList struct {
	XMLName xml.Name       `xml:"apex-info-list"`
	List    []apexInfoElem `xml:"apex-info"`
}

type apexInfoElem struct {
	ModuleName       string `xml:"moduleName,attr"`
	VersionCode      uint64 `xml:"versionCode,attr"`
	ModulePath       string `xml:"modulePath,attr"`
	PreinstalledPath string `xml:"preinstalledModulePath,attr"`
	// The field claims to be milliseconds but is actually seconds.
	LastUpdateMillis      uint64 `xml:"lastUpdateMillis,attr"`
	IsFactory             bool   `xml:"isFactory,attr"`
	IsActive              bool   `xml:"isActive,attr"`
	ProvideSharedApexLibs bool   `xml:"provideSharedApexLibs,attr"`
}

// parseInfoList decodes the apex-info-list document.
func parseInfoList(data []byte) (*List, error) {
	var doc apexInfoList
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse apex-info-list: %w", err)
	}

	list := &List{Modules: make([]Info, 0, len(doc.List))}
	for _, e := range doc.List {
		list.Modules = append(list.Modules, Info{
			Name:               e.ModuleName,
			Version:            e.VersionCode,
			Path:               e.ModulePath,
			PreinstalledPath:   e.PreinstalledPath,
			LastUpdateSeconds:  e.LastUpdateMillis,
			IsFactory:          e.IsFactory,
			IsActive:           e.IsActive,
			ProvidesSharedLibs: e.ProvideSharedApexLibs,
		})
	}
	return list, nil
}

// Loader loads the base APEX catalog exactly once per process and caches
// it. The cached list is shared and must never be mutated; callers take
// a Clone before applying per-request overrides.
type Loader struct {
	infoPath  string
	earlyBoot bool
	derive    DeriveFunc
	logger    *slog.Logger

	once sync.Once
	list *List
	err  error
}

// NewLoader creates a catalog loader reading the listing at infoPath.
// In early-boot mode classpath derivation is skipped entirely and every
// module's classpath contribution is false.
func NewLoader(infoPath string, earlyBoot bool, derive DeriveFunc, logger *slog.Logger) *Loader {
	return &Loader{
		infoPath:  infoPath,
		earlyBoot: earlyBoot,
		derive:    derive,
		logger:    logger,
	}
}

// EarlyBoot reports whether the loader operates in early-boot mode.
func (l *Loader) EarlyBoot() bool {
	return l.earlyBoot
}

// Load returns the base catalog, performing the expensive
// load-and-derive sequence only on first use. Concurrent first calls
// observe a single load. The returned list is shared: do not mutate it.
func (l *Loader) Load() (*List, error) {
	l.once.Do(func() {
		l.list, l.err = l.load()
	})
	return l.list, l.err
}

func (l *Loader) load() (*List, error) {
	data, err := os.ReadFile(l.infoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCatalogUnavailable, l.infoPath, err)
	}

	list, err := parseInfoList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	// Run the classpath derivation once and cross-reference its output so
	// every module knows whether it contributes to a classpath env var.
	if !l.earlyBoot {
		vars, err := l.derive()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
		classpathApexes := NamesInClasspath(vars, l.logger)
		for i := range list.Modules {
			_, ok := classpathApexes[list.Modules[i].Name]
			list.Modules[i].HasClasspathJar = ok
		}
	}

	l.logger.Info("apex catalog loaded",
		"path", l.infoPath,
		"modules", len(list.Modules),
		"early_boot", l.earlyBoot,
	)
	return list, nil
}
