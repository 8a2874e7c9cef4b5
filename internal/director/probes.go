package director

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/replicate/director/internal/logging"
)

const defaultReadinessFile = "/var/run/cog/ready"

// markReady signals pod readiness by touching the readiness file the
// kubelet's exec probe looks for. Best-effort: outside k8s the path usually
// isn't writable and that is fine.
func markReady(logger *logging.Logger) {
	path := os.Getenv("COG_READINESS_FILE")
	if path == "" {
		path = defaultReadinessFile
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Debug("could not create readiness directory", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		logger.Debug("could not write readiness file", zap.Error(err))
		return
	}
	logger.Info("marked pod ready", zap.String("path", path))
}
