package runner

import (
	"context"

	"github.com/andresmejia3/detect/internal/config"
	"github.com/andresmejia3/detect/internal/types"
	"github.com/andresmejia3/detect/internal/utils"
	"github.com/andresmejia3/detect/internal/worker"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LoadModel starts the backend and loads the configured weights. Failures are
// classified as BackendUnavailable (exit 3) or ModelLoadError (exit 4).
func LoadModel(ctx context.Context, cfg config.InferenceConfig, logger *zap.SugaredLogger) (*worker.PythonWorker, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w, err := worker.NewPythonWorker(ctx, worker.Config{Python: cfg.Python, Logger: logger})
	if err != nil {
		if errors.Is(err, worker.ErrUnavailable) || worker.IsKind(err, types.KindImport) {
			return nil, utils.Fail(utils.KindBackendUnavailable,
				"Failed to import ultralytics. Install requirements with: pip install ultralytics", err)
		}
		return nil, utils.Fail(utils.KindBackendUnavailable, "Backend startup failed", err)
	}

	if err := w.Load(cfg.ModelPath); err != nil {
		exitErr := utils.Fail(utils.KindModelLoad, "Failed to load model", err).WithLogs(w.Cmd)
		if cerr := w.Close(); cerr != nil {
			logger.Debugw("backend shutdown", "error", cerr)
		}
		return nil, exitErr
	}
	logger.Debugw("model loaded", "model", cfg.ModelPath)
	return w, nil
}
