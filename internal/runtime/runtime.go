package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/Cloud-V/Backend-sub002/internal/config"
	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// DescriptorFile is the toolchain descriptor inside each version directory.
const DescriptorFile = "toolchain.json"

var logger = logrus.WithField("component", "runtime")

// Manager is the registry of installed toolchains.
type Manager struct {
	config     *config.Config
	mutex      sync.RWMutex
	toolchains []types.Toolchain
}

// NewManager creates a new toolchain registry
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

// LoadToolchains loads every toolchain under the toolchains directory,
// laid out as <name>/<version>/toolchain.json.
func (m *Manager) LoadToolchains() error {
	dir := m.config.ToolchainsDirectory()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warn("Toolchains directory does not exist, creating it")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create toolchains directory: %w", err)
		}
		return nil
	}

	names, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read toolchains directory: %w", err)
	}

	m.mutex.Lock()
	m.toolchains = nil
	m.mutex.Unlock()

	for _, name := range names {
		if !name.IsDir() {
			continue
		}

		nameDir := filepath.Join(dir, name.Name())
		versions, err := os.ReadDir(nameDir)
		if err != nil {
			logger.WithError(err).Warnf("Failed to read toolchain directory: %s", nameDir)
			continue
		}

		for _, version := range versions {
			if !version.IsDir() {
				continue
			}

			toolchainDir := filepath.Join(nameDir, version.Name())
			if err := m.LoadToolchain(toolchainDir); err != nil {
				logger.WithError(err).Warnf("Failed to load toolchain: %s", toolchainDir)
				continue
			}
		}
	}

	logger.Infof("Loaded %d toolchains", len(m.Toolchains()))
	return nil
}

// LoadToolchain registers the toolchain described in dir. A directory
// without a descriptor is skipped.
func (m *Manager) LoadToolchain(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", DescriptorFile, err)
	}

	var info struct {
		Name    string   `json:"name"`
		Version string   `json:"version"`
		Image   string   `json:"image"`
		Kinds   []string `json:"kinds"`
		// Per-kind timeouts in milliseconds.
		Timeouts map[string]int64 `json:"timeouts"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("failed to parse %s: %w", DescriptorFile, err)
	}

	version, err := semver.NewVersion(info.Version)
	if err != nil {
		return fmt.Errorf("failed to parse version %s: %w", info.Version, err)
	}
	if info.Name == "" || info.Image == "" {
		return fmt.Errorf("toolchain descriptor needs a name and an image")
	}

	toolchain := types.Toolchain{
		Name:     info.Name,
		Version:  version,
		Image:    info.Image,
		Timeouts: make(map[types.JobKind]time.Duration),
		Dir:      dir,
	}
	for _, k := range info.Kinds {
		kind := types.JobKind(k)
		if !kind.Valid() {
			return fmt.Errorf("unknown job kind %q", k)
		}
		toolchain.Kinds = append(toolchain.Kinds, kind)
	}
	for k, ms := range info.Timeouts {
		toolchain.Timeouts[types.JobKind(k)] = time.Duration(ms) * time.Millisecond
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, tc := range m.toolchains {
		if tc.Name == toolchain.Name && tc.Version.Equal(toolchain.Version) {
			m.toolchains[i] = toolchain
			return nil
		}
	}
	m.toolchains = append(m.toolchains, toolchain)

	logger.Debugf("Loaded toolchain %s-%s", toolchain.Name, toolchain.Version)
	return nil
}

// Toolchains returns all loaded toolchains
func (m *Manager) Toolchains() []types.Toolchain {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]types.Toolchain, len(m.toolchains))
	copy(result, m.toolchains)
	return result
}

// List returns the registry in API form, sorted by name then version.
func (m *Manager) List() []types.ToolchainInfo {
	toolchains := m.Toolchains()
	sort.Slice(toolchains, func(i, j int) bool {
		if toolchains[i].Name != toolchains[j].Name {
			return toolchains[i].Name < toolchains[j].Name
		}
		return toolchains[i].Version.LessThan(toolchains[j].Version)
	})

	infos := make([]types.ToolchainInfo, 0, len(toolchains))
	for _, tc := range toolchains {
		infos = append(infos, types.ToolchainInfo{
			Name:    tc.Name,
			Version: tc.Version.String(),
			Image:   tc.Image,
			Kinds:   tc.Kinds,
		})
	}
	return infos
}

// GetLatestToolchainMatching finds the latest toolchain providing kind whose
// version satisfies constraint.
func (m *Manager) GetLatestToolchainMatching(kind types.JobKind, constraint string) (*types.Toolchain, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint: %w", err)
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var latest *types.Toolchain
	for i, tc := range m.toolchains {
		if !provides(tc, kind) || !c.Check(tc.Version) {
			continue
		}
		if latest == nil || tc.Version.GreaterThan(latest.Version) {
			latest = &m.toolchains[i]
		}
	}

	if latest == nil {
		return nil, fmt.Errorf("no toolchain found for %s %s", kind, constraint)
	}

	found := *latest
	return &found, nil
}

// Selection is the image and timeout a job of some kind runs with.
type Selection struct {
	Toolchain string
	Image     string
	Timeout   time.Duration
}

// ForKind selects the latest toolchain for kind. Without one the configured
// sandbox image and timeout are used. A configured timeout override always
// wins over the descriptor.
func (m *Manager) ForKind(kind types.JobKind) Selection {
	selection := Selection{
		Image:   m.config.SandboxImage,
		Timeout: m.config.SandboxTimeoutFor(string(kind)),
	}

	tc, err := m.GetLatestToolchainMatching(kind, "*")
	if err != nil {
		return selection
	}

	selection.Toolchain = tc.Name + "-" + tc.Version.String()
	selection.Image = tc.Image
	if _, overridden := m.config.TimeoutOverrides[string(kind)]; !overridden {
		if d, ok := tc.Timeouts[kind]; ok {
			selection.Timeout = d
		}
	}
	return selection
}

func provides(tc types.Toolchain, kind types.JobKind) bool {
	for _, k := range tc.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
