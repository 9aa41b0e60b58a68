package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/detect/internal/config"
	"github.com/andresmejia3/detect/internal/logging"
	"github.com/andresmejia3/detect/internal/runner"
	"github.com/andresmejia3/detect/internal/utils"
	"github.com/spf13/cobra"
)

// Options holds the raw command-line values before they become an InferenceConfig
type Options struct {
	ModelPath    string
	Source       string
	ImageSize    int
	Confidence   float64
	Device       string
	Save         bool
	SaveText     bool
	Show         bool
	Stream       bool
	PrintResults bool
	RunName      string
	Python       string
	Verbose      bool
}

var opts Options

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run YOLO object detection on images, videos, directories or webcams",
	Long: `Runs Ultralytics YOLO inference and prints a summary.

Examples:
  detect --model yolo11n.pt --source data/traffic-sign-to-test.mp4 --save
  detect -m runs/detect/train12/weights/best.pt -s datasets/traffic_sign/valid/images --show --save
  detect -m yolo11n.pt -s 0 --print`,
	Version:       Version, // This enables the --version flag
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDetect(cmd.Context(), buildConfig(cmd, opts), os.Stdout)
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Ignoring unreadable .env: %v\n", err)
	}

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	var exitErr *utils.ExitError
	if !utils.AsExitError(err, &exitErr) {
		// Flag parsing and required-flag errors are configuration errors too.
		err = utils.Fail(utils.KindConfig, "Configuration Error", err)
	}
	stop()
	utils.Die(err)
}

func init() {
	rootCmd.Flags().StringVarP(&opts.ModelPath, "model", "m", "", "Path to model weights (.pt)")
	rootCmd.Flags().StringVarP(&opts.Source, "source", "s", "", "Source: image/video file, dir of images, or webcam int (0,1...)")
	rootCmd.Flags().IntVar(&opts.ImageSize, "imgsz", config.DefaultImageSize, "Inference image size")
	rootCmd.Flags().Float64Var(&opts.Confidence, "conf", config.DefaultConfidence, "Confidence threshold")
	rootCmd.Flags().StringVar(&opts.Device, "device", "", "Device, e.g. 'cpu' or '0' or 'cuda:0' (default: auto, or $"+config.EnvDevice+")")
	rootCmd.Flags().BoolVar(&opts.Save, "save", false, "Save inference results to runs/detect")
	rootCmd.Flags().BoolVar(&opts.Show, "show", false, "Open window to show results (may fail in headless environments)")
	rootCmd.Flags().BoolVar(&opts.SaveText, "save-txt", false, "Save detection txt files alongside images")
	rootCmd.Flags().BoolVar(&opts.Stream, "stream", false, "Stream results and process per-frame")
	rootCmd.Flags().BoolVar(&opts.PrintResults, "print", false, "Print detection results to the terminal")
	rootCmd.Flags().StringVar(&opts.RunName, "name", "", "Optional name for the output run directory")
	rootCmd.Flags().StringVar(&opts.Python, "python", config.DefaultPython, "Python interpreter with ultralytics installed (or $"+config.EnvPython+")")
	rootCmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Log backend activity")

	rootCmd.MarkFlagRequired("model")
	rootCmd.MarkFlagRequired("source")
}

// buildConfig freezes the parsed flags. Environment fallbacks only apply to
// flags the user did not set.
func buildConfig(cmd *cobra.Command, o Options) config.InferenceConfig {
	if !cmd.Flags().Changed("device") {
		o.Device = config.GetEnv(config.EnvDevice, o.Device)
	}
	if !cmd.Flags().Changed("python") {
		o.Python = config.GetEnv(config.EnvPython, o.Python)
	}
	return config.InferenceConfig{
		ModelPath:    o.ModelPath,
		Source:       config.ParseSource(o.Source),
		ImageSize:    o.ImageSize,
		Confidence:   o.Confidence,
		Device:       o.Device,
		Save:         o.Save,
		SaveText:     o.SaveText,
		Show:         o.Show,
		Stream:       o.Stream,
		PrintResults: o.PrintResults,
		RunName:      o.RunName,
		Python:       o.Python,
		Verbose:      o.Verbose,
	}
}

// runDetect validates the config, starts the backend and executes the run.
// Nothing is started when validation fails.
func runDetect(ctx context.Context, cfg config.InferenceConfig, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New("detect", cfg.Verbose)
	defer logger.Sync()

	model, err := runner.LoadModel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := model.Close(); err != nil {
			logger.Debugw("backend shutdown", "error", err)
		}
	}()

	if err := runner.New(cfg, model, out, logger).Run(); err != nil {
		var exitErr *utils.ExitError
		if utils.AsExitError(err, &exitErr) {
			exitErr.WithLogs(model.Cmd)
		}
		return err
	}
	return nil
}
