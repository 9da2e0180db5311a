package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"unionvfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("state")
)

// Manager handles loading and saving the mount configuration
type Manager struct {
	statePath   string
	backupDir   string
	backupCount int
	compatible  *semver.Constraints
	mu          sync.Mutex
}

// NewManager creates a new state manager for the given configuration path.
// It ensures the configuration directory exists and is writable.
func NewManager(statePath string) (*Manager, error) {
	logger.Debug("Creating new state manager with path: %s", statePath)

	absPath, err := filepath.Abs(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state path %s: %w", statePath, err)
	}
	logger.Debug("Resolved state path: %s", absPath)

	stateDir := filepath.Dir(absPath)
	logger.Debug("Ensuring state directory exists: %s", stateDir)
	if mkdirErr := os.MkdirAll(stateDir, 0755); mkdirErr != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, mkdirErr)
	}

	// Try to create an empty file to verify we have write permissions
	f, writeErr := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE, 0644)
	if writeErr != nil {
		return nil, fmt.Errorf("failed to create state file %s: %w", absPath, writeErr)
	}
	f.Close()

	backupDir := filepath.Join(stateDir, ".unionvfs-backups")
	logger.Debug("Creating backup directory: %s", backupDir)
	if backupDirErr := os.MkdirAll(backupDir, 0755); backupDirErr != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", backupDir, backupDirErr)
	}

	compatible, err := semver.NewConstraint(compatibleVersions)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version constraint: %w", err)
	}

	logger.Info("State manager initialization complete")
	return &Manager{
		statePath:   absPath,
		backupDir:   backupDir,
		backupCount: 5,
		compatible:  compatible,
	}, nil
}

// Path returns the absolute path of the configuration file.
func (sm *Manager) Path() string {
	return sm.statePath
}

// LoadConfig loads the mount configuration from disk.
// If no configuration exists yet, it writes an empty one.
func (sm *Manager) LoadConfig() (*MountConfig, error) {
	logger.Debug("Loading config from: %s", sm.statePath)
	sm.mu.Lock()
	defer sm.mu.Unlock()

	data, err := os.ReadFile(sm.statePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) == 0 {
		logger.Info("No valid state file, creating new config")
		cfg := &MountConfig{Version: CurrentVersion}
		if err := sm.write(cfg); err != nil {
			return nil, fmt.Errorf("failed to write initial config: %w", err)
		}
		logger.Info("Created new state file successfully")
		return cfg, nil
	}

	logger.Debug("Parsing existing state file (%d bytes)", len(data))
	var cfg MountConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	if err := sm.checkVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully (%d mounts)", len(cfg.Mounts))
	return &cfg, nil
}

func (sm *Manager) checkVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrIncompatibleVersion, version, err)
	}
	if !sm.compatible.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleVersion, v, sm.compatible)
	}
	return nil
}

// SaveConfig saves the mount configuration to disk.
// It automatically creates a backup before saving.
func (sm *Manager) SaveConfig(cfg *MountConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	logger.Debug("Saving config to: %s", sm.statePath)

	if backupErr := sm.createBackup(); backupErr != nil {
		logger.Warn("Failed to create backup: %v", backupErr)
		// Continue with save even if backup fails
	}

	saved := *cfg
	saved.Version = CurrentVersion
	return sm.write(&saved)
}

func (sm *Manager) write(cfg *MountConfig) error {
	data, marshalErr := json.MarshalIndent(cfg, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal config: %w", marshalErr)
	}

	logger.Trace("Writing %d bytes of state data", len(data))
	if err := os.WriteFile(sm.statePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	// Verify the write
	written, verifyErr := os.ReadFile(sm.statePath)
	if verifyErr != nil {
		return fmt.Errorf("failed to verify written state: %w", verifyErr)
	}
	if len(written) != len(data) {
		return fmt.Errorf("state file has %d bytes after writing %d", len(written), len(data))
	}

	logger.Debug("State saved and verified successfully")
	return nil
}

// createBackup creates a timestamped backup of the current state file
func (sm *Manager) createBackup() error {
	data, err := os.ReadFile(sm.statePath)
	if os.IsNotExist(err) || err == nil && len(data) == 0 {
		return nil
	}
	if err != nil {
		return err
	}

	timestamp := time.Now().Format("20060102-150405.000000000")
	backupPath := filepath.Join(sm.backupDir, fmt.Sprintf("state-%s.json", timestamp))

	logger.Debug("Creating backup: %s", backupPath)
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	return sm.cleanupOldBackups()
}

// Backups returns the backup files, newest first.
func (sm *Manager) Backups() ([]string, error) {
	entries, err := os.ReadDir(sm.backupDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			names = append(names, filepath.Join(sm.backupDir, entry.Name()))
		}
	}

	// Timestamps sort lexically, newest first
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// cleanupOldBackups removes old backup files, keeping only the most recent ones
func (sm *Manager) cleanupOldBackups() error {
	backups, err := sm.Backups()
	if err != nil {
		return err
	}

	for i := sm.backupCount; i < len(backups); i++ {
		logger.Debug("Removing old backup: %s", backups[i])
		if err := os.Remove(backups[i]); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", backups[i], err)
		}
	}

	return nil
}
