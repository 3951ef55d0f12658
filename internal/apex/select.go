package apex

import (
	"fmt"
	"sort"
	"strings"
)

// ClasspathSentinel is the pseudo module name that matches every APEX
// contributing to a derive_classpath environment variable.
const ClasspathSentinel = "{CLASSPATH}"

// trustedRoots are the only filesystem roots a selected module's
// preinstalled path may live under. This is a security boundary: a
// module outside these roots fails the whole selection.
var trustedRoots = []string{"/system", "/system_ext"}

// debugRequiredApexes are included in every selection when the debug
// policy asks for debug modules, whether or not the manifest names them.
var debugRequiredApexes = []string{"com.android.adbd"}

// DebugLevel is the VM debug policy relevant to module selection.
type DebugLevel int

const (
	DebugNone DebugLevel = iota
	DebugFull
)

func (d DebugLevel) includeDebugApexes() bool {
	return d == DebugFull
}

// UntrustedModuleError reports a selected module whose preinstalled path
// lies outside the trusted roots.
type UntrustedModuleError struct {
	Name string
}

func (e *UntrustedModuleError) Error() string {
	return fmt.Sprintf("non-system APEX %s is not supported in guest payloads", e.Name)
}

// matches reports whether the entry satisfies one requested name: an
// exact match, or the classpath sentinel against the classpath flag.
func (m *Info) matches(requested string) bool {
	if requested == ClasspathSentinel && m.HasClasspathJar {
		return true
	}
	return requested == m.Name
}

// Select filters the catalog down to the modules one VM receives. An
// entry is included when it is active and either requested by name or in
// the debug-required set, or when it provides shared libraries
// regardless of activity. Every selected module must be preinstalled
// under a trusted root or the selection fails entirely.
//
// The result is sorted by (name, version, last update time) so repeated
// builds are deterministic; image paths are deliberately not part of the
// key because they change across reboots under staged overrides.
func Select(list *List, requested []string, debug DebugLevel) ([]Info, error) {
	var required []string
	if debug.includeDebugApexes() {
		required = debugRequiredApexes
	}

	var selected []Info
	for i := range list.Modules {
		m := &list.Modules[i]
		include := m.ProvidesSharedLibs
		if m.IsActive && !include {
			for _, name := range requested {
				if m.matches(name) {
					include = true
					break
				}
			}
			for _, name := range required {
				if name == m.Name {
					include = true
					break
				}
			}
		}
		if include {
			selected = append(selected, *m)
		}
	}

	if err := checkTrustedRoots(selected); err != nil {
		return nil, err
	}

	sort.SliceStable(selected, func(i, j int) bool {
		a, b := &selected[i], &selected[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.LastUpdateSeconds < b.LastUpdateSeconds
	})

	return selected, nil
}

func checkTrustedRoots(selected []Info) error {
	for i := range selected {
		if !underTrustedRoot(selected[i].PreinstalledPath) {
			return &UntrustedModuleError{Name: selected[i].Name}
		}
	}
	return nil
}

func underTrustedRoot(path string) bool {
	for _, root := range trustedRoots {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}
