package embedding

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/wgomg/facevec/internal/utils"
)

// WorkerBinary is the executable name looked up when no path is configured.
const WorkerBinary = "facevec-worker"

var errWorkerNotFound = errors.New("worker executable not found")

// resolveWorkerPath finds the worker executable: the configured path, then a
// binary next to the running executable, then the development build output,
// then $PATH.
func resolveWorkerPath(configured string, logger *utils.Logger) (string, error) {
	if configured != "" {
		if err := checkExecutable(configured); err != nil {
			return "", fmt.Errorf("configured worker %s: %w", configured, err)
		}
		return configured, nil
	}

	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), WorkerBinary)
		if checkExecutable(sibling) == nil {
			logger.Debug(nil, "Using worker next to executable at %s", sibling)
			return sibling, nil
		}
	}

	devPath := filepath.Join("bin", WorkerBinary)
	if checkExecutable(devPath) == nil {
		abs, err := filepath.Abs(devPath)
		if err == nil {
			devPath = abs
		}
		logger.Info(nil, "Using development worker build at %s", devPath)
		return devPath, nil
	}

	path, err := exec.LookPath(WorkerBinary)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errWorkerNotFound, err)
	}
	return path, nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
