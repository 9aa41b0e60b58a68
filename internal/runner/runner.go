// Package runner drives one inference run: it builds the predict arguments,
// chooses between one-shot and streaming mode, prints per-frame detections and
// the final summary.
package runner

import (
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/detect/internal/config"
	"github.com/andresmejia3/detect/internal/result"
	"github.com/andresmejia3/detect/internal/types"
	"github.com/andresmejia3/detect/internal/utils"
	"github.com/andresmejia3/detect/internal/worker"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Model is the loaded detection model. The backend worker implements it.
type Model interface {
	Predict(args map[string]any) (*result.Batch, error)
	Stream(args map[string]any) (result.Stream, error)
	To(device string) error
	Names() map[int]string
}

// Runner executes a single configured run against a model.
type Runner struct {
	cfg    config.InferenceConfig
	model  Model
	out    io.Writer
	status io.Writer // spinner output
	logger *zap.SugaredLogger
}

// New creates a runner. Results go to out.
func New(cfg config.InferenceConfig, model Model, out io.Writer, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{cfg: cfg, model: model, out: out, status: os.Stderr, logger: logger}
}

// PredictArgs builds the keyword bundle for the library's predict call.
// name and device are only present when set.
func PredictArgs(cfg config.InferenceConfig) map[string]any {
	args := map[string]any{
		"source":   cfg.Source.Value(),
		"imgsz":    cfg.ImageSize,
		"conf":     cfg.Confidence,
		"save":     cfg.Save,
		"save_txt": cfg.SaveText,
		"show":     cfg.Show,
	}
	if cfg.RunName != "" {
		args["name"] = cfg.RunName
	}
	if cfg.Device != "" {
		args["device"] = cfg.Device
	}
	return args
}

// Run invokes the model in the configured mode and prints the summary.
// The returned error is always an *utils.ExitError.
func (r *Runner) Run() error {
	args := PredictArgs(r.cfg)
	r.printArgs(args)

	summary := &Summary{Requested: r.cfg.Save || r.cfg.SaveText}
	if r.cfg.Streaming() {
		if err := r.runStream(args, summary); err != nil {
			return err
		}
	} else {
		batch, err := r.runOnce(args)
		if err != nil {
			return err
		}
		summary.AddBatch(batch)
	}
	summary.Report(r.out)
	return nil
}

// argOrder is the order the predict bundle is built and echoed in.
var argOrder = []string{"source", "imgsz", "conf", "save", "save_txt", "show", "name", "device"}

func (r *Runner) printArgs(args map[string]any) {
	fmt.Fprintln(r.out, "Running inference with:")
	fmt.Fprintf(r.out, "  model: %s\n", r.cfg.ModelPath)
	for _, k := range argOrder {
		if v, ok := args[k]; ok {
			fmt.Fprintf(r.out, "  %s: %v\n", k, v)
		}
	}
}

// runOnce is one-shot mode. A signature error (older library versions reject
// the device keyword) is retried once with the device applied to the model.
func (r *Runner) runOnce(args map[string]any) (*result.Batch, error) {
	batch, err := r.model.Predict(args)
	if err == nil {
		return batch, nil
	}
	if !worker.IsKind(err, types.KindType) {
		return nil, utils.Fail(utils.KindInference, "Inference failed", err)
	}

	r.logger.Debugw("predict rejected its arguments, retrying without device", "error", err)
	retry := make(map[string]any, len(args))
	for k, v := range args {
		if k != "device" {
			retry[k] = v
		}
	}
	if r.cfg.Device != "" {
		if err := r.model.To(r.cfg.Device); err != nil {
			return nil, utils.Fail(utils.KindInferenceFallback, "Inference failed", errors.Wrap(err, "moving model to device"))
		}
	}
	batch, err = r.model.Predict(retry)
	if err != nil {
		return nil, utils.Fail(utils.KindInferenceFallback, "Inference failed", err)
	}
	return batch, nil
}

// runStream is streaming mode. The device is applied to the model instead of
// being passed to predict; failing to apply it is not fatal.
func (r *Runner) runStream(args map[string]any, summary *Summary) error {
	streamArgs := make(map[string]any, len(args))
	for k, v := range args {
		if k != "device" {
			streamArgs[k] = v
		}
	}
	if r.cfg.Device != "" {
		if err := r.model.To(r.cfg.Device); err != nil {
			r.logger.Warnw("could not move model to device, continuing with default", "device", r.cfg.Device, "error", err)
		}
	}

	stream, err := r.model.Stream(streamArgs)
	if err != nil {
		return utils.Fail(utils.KindInference, "Inference failed (stream)", err)
	}

	var bar *progressbar.ProgressBar
	if !r.cfg.PrintResults {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("🔍 Streaming"),
			progressbar.OptionSetWriter(r.status), // Write spinner to Stderr
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
		)
	}

	printer := NewPrinter(r.out, r.model)
	printed := 0
	for {
		item, ok, err := stream.Next()
		if err != nil {
			if bar != nil {
				bar.Finish()
			}
			return utils.Fail(utils.KindInference, "Inference failed (stream)", err)
		}
		if !ok {
			break
		}
		if r.cfg.PrintResults {
			printer.PrintFrame(printed, item)
			printed++
		} else {
			bar.Add(1)
		}
		summary.Add(item)
	}
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(r.status)
	}

	summary.SaveDir = stream.SaveDir()
	fmt.Fprintf(r.out, "Finished streaming inference. Printed frames: %d.\n", printed)
	return nil
}
