package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"lightsout/internal/domain"
	"lightsout/internal/pkg/config"
)

const (
	outputSample = 2048
	waitDelay    = 5 * time.Second
)

// PlatformIO runs `<Command> run -e <Env>` in SourceDir with the version
// injected as a preprocessor define
type PlatformIO struct {
	Command   string
	Args      []string
	SourceDir string
	Env       string
}

func NewPlatformIO(cfg config.FirmwareConfig) *PlatformIO {
	return &PlatformIO{
		Command:   cfg.PioCommand,
		Args:      []string{"run", "-e", cfg.PioEnv},
		SourceDir: cfg.SourceDir,
		Env:       cfg.PioEnv,
	}
}

// Build compiles the firmware and returns where the artifact should be.
// The caller verifies the file actually exists.
func (p *PlatformIO) Build(ctx context.Context, version string) (string, error) {
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = p.SourceDir
	cmd.Env = append(os.Environ(), BuildFlags(version))
	// Compiler subprocesses can hold the output pipes after a kill
	cmd.WaitDelay = waitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	log.Printf("Running %s %s in %s", p.Command, strings.Join(p.Args, " "), p.SourceDir)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s: %v: %s", domain.ErrBuildFailed, p.Command, err, tail(output.Bytes(), outputSample))
	}

	return p.ArtifactPath(), nil
}

// ArtifactPath is where PlatformIO leaves the image for Env
func (p *PlatformIO) ArtifactPath() string {
	return filepath.Join(p.SourceDir, ".pio", "build", p.Env, "firmware.bin")
}

// BuildFlags is the environment entry that sets VERSION in the firmware
func BuildFlags(version string) string {
	return fmt.Sprintf(`PLATFORMIO_BUILD_FLAGS=-D VERSION='"%s"'`, version)
}

// tail keeps the end of the output, which is where compiler errors are
func tail(b []byte, max int) string {
	b = bytes.TrimSpace(b)
	if len(b) <= max {
		return string(b)
	}
	return "..." + config.Truncate(b[len(b)-max:], max)
}
