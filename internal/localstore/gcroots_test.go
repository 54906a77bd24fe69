package localstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
)

func mustPath(t *testing.T, s string) models.StorePath {
	t.Helper()
	p, err := models.ParseStorePath(s)
	require.NoError(t, err)
	return p
}

func TestGCRootsAddCreatesSymlinkToTarget(t *testing.T) {
	dir := t.TempDir()
	roots, err := NewGCRoots(filepath.Join(dir, "gcroots"), logger.NewNoOpLog())
	require.NoError(t, err)

	drv := mustPath(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello.drv")
	target := "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello.drv"
	roots.Add(drv, target)

	link := filepath.Join(dir, "gcroots", drv.Hash()+"-"+drv.Name())
	resolved, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, target, resolved)
}

func TestGCRootsAddIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	roots, err := NewGCRoots(filepath.Join(dir, "gcroots"), logger.NewNoOpLog())
	require.NoError(t, err)

	drv := mustPath(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-hello.drv")
	roots.Add(drv, "/nix/store/one")
	roots.Add(drv, "/nix/store/two")

	link := filepath.Join(dir, "gcroots", drv.Hash()+"-"+drv.Name())
	resolved, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/one", resolved, "second Add must not overwrite the existing root")
}

func TestGCRootsRemoveDeletesSymlink(t *testing.T) {
	dir := t.TempDir()
	roots, err := NewGCRoots(filepath.Join(dir, "gcroots"), logger.NewNoOpLog())
	require.NoError(t, err)

	drv := mustPath(t, "cccccccccccccccccccccccccccccccc-hello.drv")
	roots.Add(drv, "/nix/store/target")

	link := filepath.Join(dir, "gcroots", drv.Hash()+"-"+drv.Name())
	_, err = os.Lstat(link)
	require.NoError(t, err)

	roots.Remove(drv)
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err))
}

func TestGCRootsRemoveWithoutAddIsANoOp(t *testing.T) {
	dir := t.TempDir()
	roots, err := NewGCRoots(filepath.Join(dir, "gcroots"), logger.NewNoOpLog())
	require.NoError(t, err)

	roots.Remove(mustPath(t, "dddddddddddddddddddddddddddddddd-hello.drv"))
}
