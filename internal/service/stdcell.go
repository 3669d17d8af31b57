package service

import (
	"archive/tar"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/Cloud-V/Backend-sub002/internal/config"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// installedMarker is written last, so a partially extracted library is never
// considered installed.
const installedMarker = ".cloudv-installed"

// Library is an installed standard-cell library.
type Library struct {
	Name    string
	Version string
	Dir     string
	// Liberty is the timing library used by synthesis.
	Liberty string
	// Models are the verilog cell models used by netlist simulation.
	Models []string
}

// StdcellService manages standard-cell libraries.
type StdcellService struct {
	cfg    *config.Config
	logger *logrus.Logger
	client *http.Client
}

// NewStdcellService creates a new stdcell library service
func NewStdcellService(cfg *config.Config, logger *logrus.Logger) *StdcellService {
	return &StdcellService{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// GetStdcellList retrieves the library index. Each line is
// name,version,sha256,url.
func (s *StdcellService) GetStdcellList(ctx context.Context) ([]*types.Stdcell, error) {
	s.logger.Debug("Fetching stdcell index")

	body, err := s.get(ctx, s.cfg.StdcellRepoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stdcell index: %w", err)
	}
	defer body.Close()

	var libs []*types.Stdcell
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			s.logger.Warnf("Invalid stdcell line format: %s", line)
			continue
		}

		version, err := semver.NewVersion(parts[1])
		if err != nil {
			s.logger.Warnf("Invalid version %s for stdcell %s: %v", parts[1], parts[0], err)
			continue
		}

		libs = append(libs, &types.Stdcell{
			Name:     parts[0],
			Version:  version,
			Checksum: parts[2],
			Download: parts[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading stdcell index: %w", err)
	}

	s.logger.Debugf("Found %d stdcells in index", len(libs))
	return libs, nil
}

// GetStdcell finds the newest indexed library matching name and constraint.
func (s *StdcellService) GetStdcell(ctx context.Context, name, versionConstraint string) (*types.Stdcell, error) {
	libs, err := s.GetStdcellList(ctx)
	if err != nil {
		return nil, err
	}

	constraint, err := semver.NewConstraint(versionConstraint)
	if err != nil {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("invalid version constraint: %s", versionConstraint))
	}

	var best *types.Stdcell
	for _, lib := range libs {
		if lib.Name != name || !constraint.Check(lib.Version) {
			continue
		}
		if best == nil || lib.Version.GreaterThan(best.Version) {
			best = lib
		}
	}
	if best == nil {
		return nil, apperrors.NewNotFound(fmt.Sprintf("stdcell %s-%s", name, versionConstraint))
	}
	return best, nil
}

// IsInstalled checks if a library is installed
func (s *StdcellService) IsInstalled(lib *types.Stdcell) bool {
	_, err := os.Stat(filepath.Join(s.installPath(lib.Name, lib.Version.String()), installedMarker))
	return err == nil
}

// Install downloads, verifies and extracts a library.
func (s *StdcellService) Install(ctx context.Context, lib *types.Stdcell) error {
	installPath := s.installPath(lib.Name, lib.Version.String())

	if s.IsInstalled(lib) {
		return apperrors.NewInvalidRequest(fmt.Sprintf("stdcell %s-%s is already installed", lib.Name, lib.Version))
	}

	s.logger.Infof("Installing %s-%s", lib.Name, lib.Version)

	if _, err := os.Stat(installPath); err == nil {
		s.logger.Warnf("%s-%s has residual files. Removing them.", lib.Name, lib.Version)
		if err := os.RemoveAll(installPath); err != nil {
			return fmt.Errorf("failed to remove existing directory: %w", err)
		}
	}

	if err := os.MkdirAll(installPath, 0755); err != nil {
		return fmt.Errorf("failed to create install directory: %w", err)
	}

	archive := filepath.Join(installPath, "stdcell.tar.gz")
	if err := s.download(ctx, lib.Download, archive); err != nil {
		os.RemoveAll(installPath)
		return fmt.Errorf("failed to download stdcell: %w", err)
	}

	if err := verifyChecksum(archive, lib.Checksum); err != nil {
		os.RemoveAll(installPath)
		return fmt.Errorf("checksum verification failed: %w", err)
	}

	if err := extract(archive, installPath); err != nil {
		os.RemoveAll(installPath)
		return fmt.Errorf("failed to extract stdcell: %w", err)
	}
	os.Remove(archive)

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.WriteFile(filepath.Join(installPath, installedMarker), []byte(timestamp), 0644); err != nil {
		return fmt.Errorf("failed to mark stdcell as installed: %w", err)
	}

	s.logger.Infof("Successfully installed %s-%s", lib.Name, lib.Version)
	return nil
}

// Uninstall removes an installed library.
func (s *StdcellService) Uninstall(lib *types.Stdcell) error {
	if !s.IsInstalled(lib) {
		return apperrors.NewNotFound(fmt.Sprintf("stdcell %s-%s", lib.Name, lib.Version))
	}

	s.logger.Infof("Uninstalling %s-%s", lib.Name, lib.Version)
	if err := os.RemoveAll(s.installPath(lib.Name, lib.Version.String())); err != nil {
		return fmt.Errorf("failed to remove stdcell directory: %w", err)
	}
	return nil
}

// Installed lists installed libraries sorted by name then version.
func (s *StdcellService) Installed() ([]types.StdcellInfo, error) {
	root := s.cfg.StdcellsDirectory()
	names, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return []types.StdcellInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stdcells directory: %w", err)
	}

	infos := []types.StdcellInfo{}
	for _, name := range names {
		if !name.IsDir() {
			continue
		}
		for _, v := range s.installedVersions(name.Name()) {
			infos = append(infos, types.StdcellInfo{Name: name.Name(), Version: v.String(), Installed: true})
		}
	}
	return infos, nil
}

// Resolve returns the newest installed version of the named library. A
// missing library is a precondition failure for the job that needs it.
func (s *StdcellService) Resolve(name string) (*Library, error) {
	if name == "" {
		return nil, apperrors.NewPrecondition("standard cell library is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("invalid standard cell library name: %q", name))
	}

	versions := s.installedVersions(name)
	if len(versions) == 0 {
		return nil, apperrors.NewPrecondition(fmt.Sprintf("standard cell library %s not found", name))
	}
	version := versions[len(versions)-1].String()

	lib := &Library{Name: name, Version: version, Dir: s.installPath(name, version)}
	err := filepath.WalkDir(lib.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch filepath.Ext(path) {
		case ".lib":
			if lib.Liberty == "" || filepath.Base(path) == name+".lib" {
				lib.Liberty = path
			}
		case ".v":
			lib.Models = append(lib.Models, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan stdcell %s: %w", name, err)
	}
	if lib.Liberty == "" {
		return nil, apperrors.NewPrecondition(fmt.Sprintf("standard cell library %s has no liberty file", name))
	}
	sort.Strings(lib.Models)

	return lib, nil
}

func (s *StdcellService) installedVersions(name string) []*semver.Version {
	entries, err := os.ReadDir(filepath.Join(s.cfg.StdcellsDirectory(), name))
	if err != nil {
		return nil
	}

	var versions []*semver.Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.NewVersion(e.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.installPath(name, e.Name()), installedMarker)); err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Sort(semver.Collection(versions))
	return versions
}

func (s *StdcellService) installPath(name, version string) string {
	return filepath.Join(s.cfg.StdcellsDirectory(), name, version)
}

func (s *StdcellService) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("repository returned status: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *StdcellService) download(ctx context.Context, url, destPath string) error {
	s.logger.Debugf("Downloading stdcell from %s to %s", url, destPath)

	body, err := s.get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	file, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(file, body)
	return err
}

// verifyChecksum verifies the SHA256 checksum of a file
func verifyChecksum(filePath, expectedChecksum string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return err
	}

	actualChecksum := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actualChecksum, expectedChecksum) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedChecksum, actualChecksum)
	}
	return nil
}

// extract unpacks a tar.gz archive. Entries resolve inside dest; links and
// special files are skipped.
func extract(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := securejoin.SecureJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
