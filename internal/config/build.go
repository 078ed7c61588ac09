package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	projectVersionFile   = "PROJECT_VERSION"
	projectBuildDateFile = "PROJECT_BUILD_DATE"
	projectCommitFile    = "PROJECT_COMMIT_HASH"
)

type BuildConfig struct {
	GitTag    string
	GitHash   string
	BuildDate time.Time
}

// ReadBuildVersion reads the build metadata files written by the release
// pipeline into dir.
func ReadBuildVersion(dir string) (*BuildConfig, error) {
	version, err := readTrimmed(dir, projectVersionFile)
	if err != nil {
		return nil, err
	}

	commit, err := readTrimmed(dir, projectCommitFile)
	if err != nil {
		return nil, err
	}

	rawDate, err := readTrimmed(dir, projectBuildDateFile)
	if err != nil {
		return nil, err
	}

	buildDate, err := time.Parse(time.RFC3339, rawDate)
	if err != nil {
		return nil, errors.Wrap(err, "invalid build date")
	}

	return &BuildConfig{
		GitTag:    version,
		GitHash:   commit,
		BuildDate: buildDate,
	}, nil
}

func readTrimmed(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}
