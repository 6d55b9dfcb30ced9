package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testResolver() *Resolver {
	return NewResolver([]Project{
		{ID: "p1", Name: "Autoclawd", Path: "/srv/autoclawd"},
		{ID: "p2", Name: "website", Path: "/srv/web"},
	}, zap.NewNop())
}

func TestResolveByID(t *testing.T) {
	p, ok := testResolver().Resolve("p2", "")
	require.True(t, ok)
	assert.Equal(t, "/srv/web", p.Path)
}

func TestResolveByNameCaseInsensitive(t *testing.T) {
	p, ok := testResolver().Resolve("", "autoclawd")
	require.True(t, ok)
	assert.Equal(t, "p1", p.ID)
}

func TestResolveIDWinsOverName(t *testing.T) {
	p, ok := testResolver().Resolve("p2", "Autoclawd")
	require.True(t, ok)
	assert.Equal(t, "p2", p.ID)
}

func TestResolveUnknown(t *testing.T) {
	_, ok := testResolver().Resolve("nope", "nothing")
	assert.False(t, ok)
}

func TestIsSelfTree(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, IsSelfTree(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	assert.False(t, IsSelfTree(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".autoclawd-root"), nil, 0o644))
	assert.True(t, IsSelfTree(dir))
}

func TestValidateMissingPath(t *testing.T) {
	err := Validate([]Project{{ID: "x", Path: "/definitely/not/here"}})
	assert.Error(t, err)
}

func TestValidateOK(t *testing.T) {
	err := Validate([]Project{{ID: "x", Path: t.TempDir()}})
	assert.NoError(t, err)
}
