package toolchain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightsout/internal/domain"
	"lightsout/internal/pkg/config"
)

func shellToolchain(t *testing.T, script string) *PlatformIO {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	return &PlatformIO{
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		SourceDir: t.TempDir(),
		Env:       "test_env",
	}
}

func TestNewPlatformIO(t *testing.T) {
	cfg := config.DefaultConfig().Firmware
	p := NewPlatformIO(cfg)

	assert.Equal(t, "platformio", p.Command)
	assert.Equal(t, []string{"run", "-e", "heltec_wifi_lora_32_V3"}, p.Args)
	assert.Equal(t, filepath.Join("firmware", ".pio", "build", "heltec_wifi_lora_32_V3", "firmware.bin"), p.ArtifactPath())
}

func TestBuildFlags(t *testing.T) {
	assert.Equal(t, `PLATFORMIO_BUILD_FLAGS=-D VERSION='"1.2.3"'`, BuildFlags("1.2.3"))
}

func TestPlatformIO_BuildInjectsVersion(t *testing.T) {
	p := shellToolchain(t, `mkdir -p .pio/build/test_env && printf '%s' "$PLATFORMIO_BUILD_FLAGS" > .pio/build/test_env/firmware.bin`)

	path, err := p.Build(context.Background(), "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, p.ArtifactPath(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `-D VERSION='"1.2.3"'`, string(data))
}

func TestPlatformIO_BuildFailure(t *testing.T) {
	p := shellToolchain(t, `echo "error: undefined reference to setup" >&2; exit 1`)

	_, err := p.Build(context.Background(), "1.0.1")
	require.ErrorIs(t, err, domain.ErrBuildFailed)
	assert.Contains(t, err.Error(), "undefined reference")
}

func TestPlatformIO_BuildSucceedsWithoutArtifact(t *testing.T) {
	p := shellToolchain(t, `exit 0`)

	path, err := p.Build(context.Background(), "1.0.1")
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestPlatformIO_BuildHonoursDeadline(t *testing.T) {
	p := shellToolchain(t, `exec sleep 10`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Build(ctx, "1.0.1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail([]byte("  short \n"), 10))

	long := strings.Repeat("a", 50) + "END"
	got := tail([]byte(long), 10)
	assert.True(t, strings.HasSuffix(got, "END"))
	assert.True(t, strings.HasPrefix(got, "..."))
}
