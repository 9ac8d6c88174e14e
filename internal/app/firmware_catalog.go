package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"lightsout/internal/domain"
)

// FirmwareCatalog is the record of committed firmware builds.
// Readers only ever see state that has already been persisted.
type FirmwareCatalog struct {
	store     domain.CatalogStore
	outputDir string
	now       func() time.Time

	mu     sync.RWMutex
	record domain.CatalogRecord
}

// NewFirmwareCatalog loads the persisted record, starting at initialVersion when none exists
func NewFirmwareCatalog(store domain.CatalogStore, outputDir, initialVersion string) (*FirmwareCatalog, error) {
	if _, err := domain.ParseVersion(initialVersion); err != nil {
		return nil, fmt.Errorf("failed to parse initial version: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	record, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if record == nil {
		record = &domain.CatalogRecord{Version: initialVersion}
	}
	if _, err := domain.ParseVersion(record.Version); err != nil {
		return nil, fmt.Errorf("failed to parse catalog version: %w", err)
	}
	if record.Builds == nil {
		record.Builds = []domain.FirmwareBuild{}
	}

	return &FirmwareCatalog{
		store:     store,
		outputDir: outputDir,
		now:       time.Now,
		record:    *record,
	}, nil
}

// CurrentVersion returns the version the next build is derived from
func (c *FirmwareCatalog) CurrentVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.Version
}

// NextVersion returns the version an automatic build would be assigned
func (c *FirmwareCatalog) NextVersion() (string, error) {
	v, err := domain.ParseVersion(c.CurrentVersion())
	if err != nil {
		return "", err
	}
	return v.NextPatch().String(), nil
}

// Latest returns the most recently committed build
func (c *FirmwareCatalog) Latest() (*domain.FirmwareBuild, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.record.Builds) == 0 {
		return nil, domain.ErrNoFirmware
	}
	latest := c.record.Builds[len(c.record.Builds)-1]
	return &latest, nil
}

// Builds returns every committed build in build order
func (c *FirmwareCatalog) Builds() []domain.FirmwareBuild {
	c.mu.RLock()
	defer c.mu.RUnlock()

	builds := make([]domain.FirmwareBuild, len(c.record.Builds))
	copy(builds, c.record.Builds)
	return builds
}

// Path resolves an exact version to its artifact path
func (c *FirmwareCatalog) Path(version string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, build := range c.record.Builds {
		if build.Version == version {
			return filepath.Join(c.outputDir, build.Filename), nil
		}
	}
	return "", fmt.Errorf("firmware version %s: %w", version, domain.ErrNotFound)
}

// Resolve looks a build up by version or by distribution filename
func (c *FirmwareCatalog) Resolve(ref string) (*domain.FirmwareBuild, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, build := range c.record.Builds {
		if build.Version == ref || build.Filename == ref {
			b := build
			return &b, filepath.Join(c.outputDir, build.Filename), nil
		}
	}
	return nil, "", fmt.Errorf("firmware %s: %w", ref, domain.ErrNotFound)
}

// Commit copies a verified artifact into the distribution directory,
// appends its build record and persists the catalog as one unit.
// On any failure the catalog is left exactly as it was.
func (c *FirmwareCatalog) Commit(version string, artifact *domain.Artifact) (*domain.FirmwareBuild, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !domain.IsNewer(version, c.record.Version) {
		return nil, fmt.Errorf("%w: %s is not newer than %s", domain.ErrInvalidVersion, version, c.record.Version)
	}

	filename := domain.FirmwareFilename(version)
	dest := filepath.Join(c.outputDir, filename)
	staged, size, err := stageFile(artifact.Path, dest)
	if err != nil {
		return nil, fmt.Errorf("failed to copy artifact: %w", err)
	}

	build := domain.FirmwareBuild{
		Version:   version,
		Filename:  filename,
		BuiltAt:   c.now(),
		SizeBytes: size,
		SHA256:    artifact.SHA256,
	}

	next := domain.CatalogRecord{
		Version: version,
		Builds:  make([]domain.FirmwareBuild, 0, len(c.record.Builds)+1),
	}
	next.Builds = append(next.Builds, c.record.Builds...)
	next.Builds = append(next.Builds, build)

	// The distribution file only takes its final name once the record is durable
	if err := c.store.Save(&next); err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("failed to persist catalog: %w", err)
	}

	if err := os.Rename(staged, dest); err != nil {
		os.Remove(staged)
		if restoreErr := c.store.Save(&c.record); restoreErr != nil {
			return nil, fmt.Errorf("failed to publish artifact: %w (restore: %v)", err, restoreErr)
		}
		return nil, fmt.Errorf("failed to publish artifact: %w", err)
	}

	c.record = next
	return &build, nil
}

// stageFile copies src into a temporary file next to dst and returns its path
func stageFile(src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+strings.TrimSuffix(filepath.Base(dst), filepath.Ext(dst))+"-*.tmp")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()

	size, err := io.Copy(tmp, in)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0644)
	}
	if err != nil {
		os.Remove(tmpName)
		return "", 0, err
	}
	return tmpName, size, nil
}
