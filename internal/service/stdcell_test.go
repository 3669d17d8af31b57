package service

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cloud-V/Backend-sub002/internal/config"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type repo struct {
	server  *httptest.Server
	archive []byte
}

func newRepo(t *testing.T, index func(base string) string, archive []byte) *repo {
	r := &repo{archive: archive}
	mux := http.NewServeMux()
	mux.HandleFunc("/index", func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, index("http://"+req.Host))
	})
	mux.HandleFunc("/osu035.tar.gz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write(r.archive)
	})
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.server.Close)
	return r
}

func newService(t *testing.T, repoURL string) *StdcellService {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := &config.Config{DataDirectory: t.TempDir(), StdcellRepoURL: repoURL}
	return NewStdcellService(cfg, logger)
}

func TestGetStdcellList(t *testing.T) {
	r := newRepo(t, func(base string) string {
		return fmt.Sprintf("osu035,1.0.0,abc,%[1]s/osu035.tar.gz\n\n# comment\nosu035,1.1.0,def,%[1]s/osu035.tar.gz\nbroken line\nosu018,nope,x,y\n", base)
	}, nil)
	s := newService(t, r.server.URL+"/index")

	libs, err := s.GetStdcellList(context.Background())
	require.NoError(t, err)
	require.Len(t, libs, 2)

	lib, err := s.GetStdcell(context.Background(), "osu035", "*")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", lib.Version.String())

	lib, err = s.GetStdcell(context.Background(), "osu035", "~1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", lib.Version.String())

	_, err = s.GetStdcell(context.Background(), "osu018", "*")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestInstallResolveUninstall(t *testing.T) {
	archive := tarball(t, map[string]string{
		"lib/osu035.lib":           "library(osu035) {}",
		"lib/extra.lib":            "library(extra) {}",
		"models/osu035_stdcells.v": "module INVX1(); endmodule",
		"models/dff.v":             "module DFFPOSX1(); endmodule",
		"README":                   "cells",
	})
	r := newRepo(t, func(base string) string {
		return fmt.Sprintf("osu035,1.0.0,%s,%s/osu035.tar.gz\n", checksum(archive), base)
	}, archive)
	s := newService(t, r.server.URL+"/index")
	ctx := context.Background()

	_, err := s.Resolve("osu035")
	assert.True(t, apperrors.Is(err, apperrors.ErrPrecondition))

	lib, err := s.GetStdcell(ctx, "osu035", "*")
	require.NoError(t, err)
	require.NoError(t, s.Install(ctx, lib))
	assert.True(t, s.IsInstalled(lib))

	err = s.Install(ctx, lib)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))

	installed, err := s.Installed()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "1.0.0", installed[0].Version)

	resolved, err := s.Resolve("osu035")
	require.NoError(t, err)
	assert.Equal(t, "osu035.lib", filepath.Base(resolved.Liberty))
	require.Len(t, resolved.Models, 2)
	assert.Equal(t, "dff.v", filepath.Base(resolved.Models[0]))
	_, err = os.Stat(filepath.Join(resolved.Dir, "stdcell.tar.gz"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Uninstall(lib))
	assert.False(t, s.IsInstalled(lib))
	assert.True(t, apperrors.Is(s.Uninstall(lib), apperrors.ErrNotFound))
}

func TestInstall_ChecksumMismatch(t *testing.T) {
	archive := tarball(t, map[string]string{"osu035.lib": "x"})
	r := newRepo(t, func(base string) string {
		return fmt.Sprintf("osu035,1.0.0,%s,%s/osu035.tar.gz\n", checksum([]byte("other")), base)
	}, archive)
	s := newService(t, r.server.URL+"/index")
	ctx := context.Background()

	lib, err := s.GetStdcell(ctx, "osu035", "*")
	require.NoError(t, err)
	err = s.Install(ctx, lib)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
	assert.False(t, s.IsInstalled(lib))
	assert.NoDirExists(t, s.installPath("osu035", "1.0.0"))
}

func TestResolve_Rejects(t *testing.T) {
	s := newService(t, "http://unused")

	_, err := s.Resolve("")
	assert.True(t, apperrors.Is(err, apperrors.ErrPrecondition))

	_, err = s.Resolve("../etc")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))

	dir := s.installPath("nolib", "1.0.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, installedMarker), []byte("1"), 0o644))
	_, err = s.Resolve("nolib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no liberty file")
}

func TestExtract_StaysInsideDestination(t *testing.T) {
	archive := tarball(t, map[string]string{"../../escape.lib": "x"})
	path := filepath.Join(t.TempDir(), "a.tar.gz")
	require.NoError(t, os.WriteFile(path, archive, 0o644))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, extract(path, dest))
	assert.FileExists(t, filepath.Join(dest, "escape.lib"))
}
