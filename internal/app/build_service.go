package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"lightsout/internal/domain"
)

// BuildService orchestrates firmware builds: Idle -> Building -> Committed | Failed.
// At most one build runs at a time; a second trigger is rejected.
type BuildService struct {
	catalog   *FirmwareCatalog
	toolchain domain.Toolchain
	journal   domain.BuildJournal
	timeout   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	building bool
	last     *domain.BuildAttempt
	wg       sync.WaitGroup

	// background builds run under runCtx; Shutdown cancels it
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

func NewBuildService(
	catalog *FirmwareCatalog,
	toolchain domain.Toolchain,
	journal domain.BuildJournal,
	timeout time.Duration,
) *BuildService {
	runCtx, cancelRuns := context.WithCancel(context.Background())
	return &BuildService{
		catalog:    catalog,
		toolchain:  toolchain,
		journal:    journal,
		timeout:    timeout,
		now:        time.Now,
		runCtx:     runCtx,
		cancelRuns: cancelRuns,
	}
}

// TriggerBuild starts a build in the background and returns the attempt in
// the building state without waiting for it to finish
func (bs *BuildService) TriggerBuild(ctx context.Context, req domain.BuildRequest) (*domain.BuildAttempt, error) {
	attempt, err := bs.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	started := *attempt

	bs.wg.Add(1)
	go func() {
		defer bs.wg.Done()
		// The build outlives the triggering request
		if err := bs.run(bs.runCtx, attempt, req); err != nil {
			log.Printf("Firmware build %s failed: %v", attempt.ID, err)
		}
	}()

	return &started, nil
}

// Build runs one build synchronously and returns the committed build
func (bs *BuildService) Build(ctx context.Context, req domain.BuildRequest) (*domain.FirmwareBuild, error) {
	attempt, err := bs.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := bs.run(ctx, attempt, req); err != nil {
		return nil, err
	}
	return bs.catalog.Latest()
}

// Status returns a copy of the current or most recent attempt
func (bs *BuildService) Status() domain.BuildAttempt {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.last == nil {
		return domain.BuildAttempt{State: domain.BuildStateIdle}
	}
	return *bs.last
}

// Attempts returns the most recent journal entries
func (bs *BuildService) Attempts(ctx context.Context, limit int) ([]domain.BuildAttempt, error) {
	if bs.journal == nil {
		return []domain.BuildAttempt{}, nil
	}
	return bs.journal.ListAttempts(ctx, limit)
}

// Wait blocks until every background build has finished
func (bs *BuildService) Wait() {
	bs.wg.Wait()
}

// Shutdown waits for a background build until ctx is done, then cancels it.
// A cancelled build finishes as failed, so its journal entry is closed out.
func (bs *BuildService) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		bs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		bs.cancelRuns()
		return nil
	case <-ctx.Done():
	}

	if status := bs.Status(); status.State == domain.BuildStateBuilding {
		log.Printf("Abandoning firmware build %s for version %s", status.ID, status.Version)
	}
	bs.cancelRuns()
	<-done
	return ctx.Err()
}

// begin validates the request and moves the service into Building
func (bs *BuildService) begin(ctx context.Context, req domain.BuildRequest) (*domain.BuildAttempt, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.building {
		return nil, domain.ErrBuildInProgress
	}

	version, err := bs.targetVersion(req)
	if err != nil {
		return nil, err
	}

	attempt := &domain.BuildAttempt{
		ID:          uuid.New().String(),
		Version:     version,
		State:       domain.BuildStateBuilding,
		Force:       req.Force,
		RequestedAt: bs.now(),
	}

	if bs.journal != nil {
		if err := bs.journal.RecordAttempt(ctx, attempt); err != nil {
			log.Printf("Failed to record build attempt %s: %v", attempt.ID, err)
		}
	}

	bs.building = true
	snapshot := *attempt
	bs.last = &snapshot

	log.Printf("Firmware build %s started for version %s", attempt.ID, version)
	return attempt, nil
}

func (bs *BuildService) targetVersion(req domain.BuildRequest) (string, error) {
	if req.Version == "" {
		return bs.catalog.NextVersion()
	}

	v, err := domain.ParseVersion(req.Version)
	if err != nil {
		return "", err
	}
	current := bs.catalog.CurrentVersion()
	if !domain.IsNewer(v.String(), current) {
		return "", fmt.Errorf("%w: %s is not newer than %s", domain.ErrInvalidVersion, v, current)
	}
	return v.String(), nil
}

// run executes build, verify and commit, then records the outcome
func (bs *BuildService) run(ctx context.Context, attempt *domain.BuildAttempt, req domain.BuildRequest) error {
	build, err := bs.execute(ctx, attempt.Version, req)

	finished := bs.now()
	attempt.FinishedAt = &finished
	if err != nil {
		attempt.State = domain.BuildStateFailed
		attempt.Error = err.Error()
	} else {
		attempt.State = domain.BuildStateCommitted
		attempt.Filename = build.Filename
		log.Printf("Firmware build %s committed version %s (%s, %d bytes)",
			attempt.ID, build.Version, build.Filename, build.SizeBytes)
	}

	if bs.journal != nil {
		// The journal write must not be cancelled along with the build
		if jerr := bs.journal.FinishAttempt(context.Background(), attempt); jerr != nil {
			log.Printf("Failed to record build result %s: %v", attempt.ID, jerr)
		}
	}

	bs.mu.Lock()
	snapshot := *attempt
	bs.last = &snapshot
	bs.building = false
	bs.mu.Unlock()

	return err
}

func (bs *BuildService) execute(ctx context.Context, version string, req domain.BuildRequest) (*domain.FirmwareBuild, error) {
	if bs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bs.timeout)
		defer cancel()
	}

	artifactPath, err := bs.toolchain.Build(ctx, version)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: toolchain timed out after %s", domain.ErrBuildFailed, bs.timeout)
		}
		if errors.Is(err, domain.ErrBuildFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrBuildFailed, err)
	}

	artifact, err := verifyArtifact(artifactPath)
	if err != nil {
		return nil, err
	}

	if req.SkipUnchanged && !req.Force {
		if latest, err := bs.catalog.Latest(); err == nil && latest.SHA256 != "" && latest.SHA256 == artifact.SHA256 {
			return nil, fmt.Errorf("%w: artifact unchanged since %s", domain.ErrBuildFailed, latest.Version)
		}
	}

	build, err := bs.catalog.Commit(version, artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBuildFailed, err)
	}
	return build, nil
}

// verifyArtifact confirms the toolchain output exists and fingerprints it
func verifyArtifact(path string) (*domain.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: firmware file not found at %s", domain.ErrBuildFailed, path)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrBuildFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBuildFailed, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", domain.ErrBuildFailed, path)
	}

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read artifact: %v", domain.ErrBuildFailed, err)
	}

	return &domain.Artifact{
		Path:      path,
		SizeBytes: size,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
	}, nil
}
