package clix

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paramFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("params", "", "")
	fs.StringArray("param", nil, "")
	fs.Int("limit", 0, "")
	fs.Int("offset", 0, "")
	fs.Bool("dry-run", true, "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestParseParamsMergesFlags(t *testing.T) {
	fs := paramFlags(t,
		"--params", `{"asset_id":"a1","sources":["x"]}`,
		"--param", `sources=["incoming/a.tif","incoming/b.tif"]`,
		"--param", "note=hello world",
	)
	got, err := ParseParams(fs)
	require.NoError(t, err)
	assert.JSONEq(t, `{"asset_id":"a1","sources":["incoming/a.tif","incoming/b.tif"],"note":"hello world"}`, string(got))
}

func TestParseParamsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"release_id":"r1"}`), 0o644))

	got, err := ParseParams(paramFlags(t, "--params", "@"+path))
	require.NoError(t, err)
	assert.JSONEq(t, `{"release_id":"r1"}`, string(got))
}

func TestParseParamsRejectsMalformed(t *testing.T) {
	_, err := ParseParams(paramFlags(t, "--params", `[1,2]`))
	assert.Error(t, err)

	_, err = ParseParams(paramFlags(t, "--param", "novalue"))
	assert.Error(t, err)

	got, err := ParseParams(paramFlags(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got))
}

func TestParsePaginationDefaults(t *testing.T) {
	p, err := ParsePagination(paramFlags(t, "--offset", "-3"))
	require.NoError(t, err)
	assert.Equal(t, PaginationParams{Limit: 20, Offset: 0}, p)
}

func TestParseOptionalBool(t *testing.T) {
	assert.Nil(t, ParseOptionalBool(paramFlags(t), "dry-run"))

	v := ParseOptionalBool(paramFlags(t, "--dry-run=false"), "dry-run")
	require.NotNil(t, v)
	assert.False(t, *v)
}
