package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facet/internal/config"
	"facet/pkg/errors"
)

func testDimension(name string) Dimension {
	return Dimension{
		Name:         name,
		SourceTable:  "transactions",
		SourceColumn: name,
		MasterTable:  "master_" + name,
		Enabled:      true,
	}
}

func TestRegistryAdd(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add(testDimension("province")))
	assert.Equal(t, 1, r.Len())

	err := r.Add(testDimension("province"))
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(testDimension("province")))

	dim, err := r.Get("province")
	require.NoError(t, err)
	assert.Equal(t, "master_province", dim.MasterTable)

	_, err = r.Get("channel")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRegistryListPreservesOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"province", "channel", "brand"} {
		require.NoError(t, r.Add(testDimension(name)))
	}

	dims := r.List()
	require.Len(t, dims, 3)
	assert.Equal(t, "province", dims[0].Name)
	assert.Equal(t, "channel", dims[1].Name)
	assert.Equal(t, "brand", dims[2].Name)
}

func TestRegistryListEnabled(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(testDimension("province")))

	disabled := testDimension("channel")
	disabled.Enabled = false
	require.NoError(t, r.Add(disabled))

	enabled := r.ListEnabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "province", enabled[0].Name)
}

func TestRegistrySetEnabled(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(testDimension("province")))

	dim, err := r.SetEnabled("province", false)
	require.NoError(t, err)
	assert.False(t, dim.Enabled)
	assert.Empty(t, r.ListEnabled())

	dim, err = r.SetEnabled("province", true)
	require.NoError(t, err)
	assert.True(t, dim.Enabled)

	_, err = r.SetEnabled("missing", true)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(testDimension("province")))
	require.NoError(t, r.Add(testDimension("brand")))

	require.NoError(t, r.Remove("province"))
	_, err := r.Get("province")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	names := make([]string, 0, 1)
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"brand"}, names)

	// Removing frees the name for re-registration.
	require.NoError(t, r.Add(testDimension("province")))

	err = r.Remove("missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRegistrySetRefreshInterval(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(testDimension("province")))

	dim, err := r.SetRefreshInterval("province", 60000)
	require.NoError(t, err)
	assert.Equal(t, 60000, dim.RefreshMS)

	got, err := r.Get("province")
	require.NoError(t, err)
	assert.Equal(t, 60000, got.RefreshMS)

	_, err = r.SetRefreshInterval("missing", 1000)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestFromSpecDefaultsEnabled(t *testing.T) {
	spec := config.DimensionSpec{
		Name:         "province",
		SourceTable:  "transactions",
		SourceColumn: "province",
		MasterTable:  "master_province",
	}

	dim := FromSpec(spec)
	assert.True(t, dim.Enabled)

	off := false
	spec.Enabled = &off
	assert.False(t, FromSpec(spec).Enabled)
}
