package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterApply(t *testing.T) {
	m := &Manifest{}
	for _, spec := range []string{"torch==2.1.0", "torchvision", "requests", "Zope.Interface", "./local/pkg"} {
		req, err := ParseRequirement(spec)
		require.NoError(t, err)
		m.Requirements = append(m.Requirements, req)
	}

	f, err := NewFilter([]string{"torch*", "!torchvision", "zope.*"})
	require.NoError(t, err)

	kept, excluded := f.Apply(m)
	assert.Equal(t, []string{"torchvision", "requests", "./local/pkg"}, keys(kept))
	assert.Equal(t, []string{"torch", "zope-interface"}, keys(excluded))
}

func TestEmptyFilterKeepsEverything(t *testing.T) {
	f, err := NewFilter([]string{"", "  "})
	require.NoError(t, err)

	req, err := ParseRequirement("requests")
	require.NoError(t, err)
	assert.False(t, f.Excluded(req))

	var nilFilter *Filter
	assert.False(t, nilFilter.Excluded(req))
}

func keys(reqs []Requirement) []string {
	var out []string
	for _, r := range reqs {
		out = append(out, r.Key())
	}
	return out
}
