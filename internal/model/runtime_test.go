package model_test

import (
	"testing"

	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseRuntimeEnvironment(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		name     string
		version  string
	}{
		{"name and version", "bla-1.2", "bla", "1.2"},
		{"no dash", "bla", "bla", ""},
		{"dash in version", "samtools-1.9-rc1", "samtools", "1.9-rc1"},
		{"trailing dash", "bla-", "bla", ""},
		{"empty", "", "", ""},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			re := model.ParseRuntimeEnvironment(tt.given)
			require.Equal(t, tt.given, re.ID)
			require.Equal(t, tt.name, re.Name)
			require.Equal(t, tt.version, re.Version)
		})
	}
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		a, b string
		then int
	}{
		{"1.2", "1", 1},
		{"1", "1", 0},
		{"1", "1.2", -1},
		{"1.2", "1.10", -1},
		{"1.10", "1.9", 1},
		{"1.01", "1.1", 0},
		{"1.01.5", "1.1.3", 1},
		{"1.01-rc1", "1.1-rc2", -1},
		{"1.2-beta", "1.2-alpha", 1},
		{"1.a", "1.2", 1},
		{"", "1", -1},
		{"2", "10", -1},
	}
	for _, tt := range testCases {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.then, model.CompareVersions(tt.a, tt.b))
		})
	}
}

func TestRuntimeEnvironmentCapabilities(t *testing.T) {
	t.Parallel()
	bla12 := model.ParseRuntimeEnvironment("bla-1.2")
	bla1 := model.ParseRuntimeEnvironment("bla-1")
	foo3 := model.ParseRuntimeEnvironment("foo-3")

	require.Positive(t, bla12.Compare(bla1))
	require.Zero(t, bla1.Compare(model.ParseRuntimeEnvironment("bla-1")))
	require.Negative(t, bla1.Compare(foo3))

	require.True(t, bla12.AtLeastAsCapableAs(bla1))
	require.True(t, bla1.AtLeastAsCapableAs(bla1))
	require.False(t, bla1.AtLeastAsCapableAs(bla12))
	require.False(t, foo3.AtLeastAsCapableAs(bla1))
	require.False(t, model.ParseRuntimeEnvironment("zzz-99").AtLeastAsCapableAs(bla1))

	require.True(t, bla12.AtLeastAsCapableAsAnyOf([]model.RuntimeEnvironment{foo3, bla1}))
	require.False(t, bla1.AtLeastAsCapableAsAnyOf([]model.RuntimeEnvironment{foo3, bla12}))
	require.True(t, bla1.IsInferiorToAtLeastOneIn([]model.RuntimeEnvironment{foo3, bla12}))
	require.False(t, bla12.IsInferiorToAtLeastOneIn([]model.RuntimeEnvironment{foo3, bla1}))
}
