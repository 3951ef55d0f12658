package apex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Catalog used by the selection tests; names keyed for readability.
func selectionFixture() map[string]Info {
	return map[string]Info{
		"adbd": {
			Name:              "com.android.adbd",
			Path:              "adbd",
			PreinstalledPath:  "/system/adbd",
			LastUpdateSeconds: 12345678,
			IsFactory:         true,
		},
		"adbd_updated": {
			Name:              "com.android.adbd",
			Path:              "adbd",
			PreinstalledPath:  "/system/adbd",
			LastUpdateSeconds: 12345679,
			IsActive:          true,
		},
		"no_classpath": {
			Name:              "no_classpath",
			Path:              "no_classpath",
			LastUpdateSeconds: 12345678,
			IsFactory:         true,
			IsActive:          true,
		},
		"has_classpath": {
			Name:              "has_classpath",
			Path:              "has_classpath",
			HasClasspathJar:   true,
			LastUpdateSeconds: 87654321,
			IsFactory:         true,
		},
		"has_classpath_updated": {
			Name:              "has_classpath",
			Path:              "has_classpath/updated",
			PreinstalledPath:  "/system/has_classpath",
			HasClasspathJar:   true,
			LastUpdateSeconds: 87654322,
			IsActive:          true,
		},
		"apex-foo": {
			Name:              "apex-foo",
			Path:              "apex-foo",
			PreinstalledPath:  "/system/apex-foo",
			LastUpdateSeconds: 87654321,
			IsFactory:         true,
		},
		"apex-foo-updated": {
			Name:              "apex-foo",
			Path:              "apex-foo/updated",
			PreinstalledPath:  "/system/apex-foo",
			LastUpdateSeconds: 87654322,
			IsActive:          true,
		},
		"sharedlibs": {
			Name:               "sharedlibs",
			Path:               "sharedlibs",
			PreinstalledPath:   "/system/sharedlibs",
			LastUpdateSeconds:  87654321,
			IsFactory:          true,
			ProvidesSharedLibs: true,
		},
		"sharedlibs-updated": {
			Name:               "sharedlibs",
			Path:               "sharedlibs/updated",
			PreinstalledPath:   "/system/sharedlibs",
			LastUpdateSeconds:  87654322,
			IsActive:           true,
			ProvidesSharedLibs: true,
		},
	}
}

func fixtureList(fixture map[string]Info, keys ...string) *List {
	list := &List{}
	for _, k := range keys {
		list.Modules = append(list.Modules, fixture[k])
	}
	return list
}

func TestSelectRequestedDebugAndSharedLibs(t *testing.T) {
	fixture := selectionFixture()
	list := fixtureList(fixture,
		"adbd", "adbd_updated", "no_classpath", "has_classpath",
		"has_classpath_updated", "apex-foo", "apex-foo-updated",
		"sharedlibs", "sharedlibs-updated",
	)

	got, err := Select(list, []string{"apex-foo", ClasspathSentinel}, DebugFull)
	require.NoError(t, err)

	// Sorted by (name, version, last update), not catalog order.
	want := []Info{
		// active entry of the module requested by name
		fixture["apex-foo-updated"],
		// active entry of the debug-required module
		fixture["adbd_updated"],
		// active entry of a classpath-sentinel match
		fixture["has_classpath_updated"],
		// both factory (inactive) and updated entries of a shared-lib provider
		fixture["sharedlibs"],
		fixture["sharedlibs-updated"],
	}
	assert.Equal(t, want, got)
}

func TestSelectWithoutDebugSkipsRequiredSet(t *testing.T) {
	fixture := selectionFixture()
	list := fixtureList(fixture, "adbd", "adbd_updated", "apex-foo", "apex-foo-updated")

	got, err := Select(list, []string{"apex-foo"}, DebugNone)
	require.NoError(t, err)
	assert.Equal(t, []Info{fixture["apex-foo-updated"]}, got)
}

func TestSelectUntrustedModuleFailsEntirely(t *testing.T) {
	list := &List{Modules: []Info{{
		Name:             "apex-vendor",
		Path:             "apex-vendor",
		PreinstalledPath: "/vendor/apex-vendor",
		IsActive:         true,
	}}}

	_, err := Select(list, []string{"apex-vendor"}, DebugNone)
	var untrusted *UntrustedModuleError
	require.ErrorAs(t, err, &untrusted)
	assert.Equal(t, "apex-vendor", untrusted.Name)
}

func TestSelectSystemExtAllowed(t *testing.T) {
	entry := Info{
		Name:             "apex-system_ext",
		Path:             "apex-system_ext",
		PreinstalledPath: "/system_ext/apex-system_ext",
		IsActive:         true,
	}
	list := &List{Modules: []Info{entry}}

	got, err := Select(list, []string{"apex-system_ext"}, DebugNone)
	require.NoError(t, err)
	assert.Equal(t, []Info{entry}, got)
}

func TestSelectPrefixConfusionRejected(t *testing.T) {
	// /system_extra is not /system_ext: prefix matching must respect
	// path boundaries.
	list := &List{Modules: []Info{{
		Name:             "sneaky",
		PreinstalledPath: "/system_extra/sneaky",
		IsActive:         true,
	}}}

	_, err := Select(list, []string{"sneaky"}, DebugNone)
	var untrusted *UntrustedModuleError
	assert.ErrorAs(t, err, &untrusted)
}

func TestSelectOrderingIgnoresInputOrderAndImagePath(t *testing.T) {
	a := Info{Name: "a", Version: 1, LastUpdateSeconds: 10, PreinstalledPath: "/system/a", IsActive: true, Path: "/data/zzz"}
	b := Info{Name: "a", Version: 1, LastUpdateSeconds: 20, PreinstalledPath: "/system/a", IsActive: true, Path: "/data/aaa"}
	c := Info{Name: "b", Version: 1, LastUpdateSeconds: 5, PreinstalledPath: "/system/b", IsActive: true, Path: "/data/mmm"}

	forward := &List{Modules: []Info{a, b, c}}
	reversed := &List{Modules: []Info{c, b, a}}

	got1, err := Select(forward, []string{"a", "b"}, DebugNone)
	require.NoError(t, err)
	got2, err := Select(reversed, []string{"a", "b"}, DebugNone)
	require.NoError(t, err)

	assert.Equal(t, got1, got2, "ordering must not depend on catalog order")
	assert.Equal(t, []Info{a, b, c}, got1)
}

func TestSelectNothingRequested(t *testing.T) {
	fixture := selectionFixture()
	list := fixtureList(fixture, "apex-foo", "apex-foo-updated")

	got, err := Select(list, nil, DebugNone)
	require.NoError(t, err)
	assert.Empty(t, got)
}
