package worker

import (
	"context"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/andresmejia3/detect/internal/result"
	"github.com/andresmejia3/detect/internal/types"
	"github.com/andresmejia3/detect/internal/utils" // Using the SafeCommand wrapper
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

//go:embed bridge.py
var bridgeScript string

// ErrUnavailable is returned when the interpreter itself cannot be started.
var ErrUnavailable = errors.New("inference backend unavailable")

// BackendError is a failure reported by the Python side, classified by Kind
// (types.KindImport, KindLoad, KindType, KindRuntime).
type BackendError struct {
	Kind    string
	Message string
}

func (e *BackendError) Error() string {
	return e.Message
}

// IsKind reports whether err is a BackendError of the given kind.
func IsKind(err error, kind string) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == kind
}

// Config controls how the backend process is spawned.
type Config struct {
	Python string
	Logger *zap.SugaredLogger
}

// PythonWorker hosts the detection library in a child interpreter. It is the
// model handle: load, device placement, class names, predict and streaming
// all go through it.
type PythonWorker struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	logger   *zap.SugaredLogger
	names    map[int]string
}

// NewPythonWorker starts the interpreter and waits for its hello frame. The
// process is killed when ctx is cancelled.
func NewPythonWorker(ctx context.Context, cfg Config) (*PythonWorker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// 1. Initialize the SafeCommand with the embedded bridge
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", "-c", bridgeScript)
	// Library chatter (progress, speed lines) stays visible but off our stdout.
	py.Cmd.Stdout = os.Stderr

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, errors.Wrapf(ErrUnavailable, "%s failed to start: %v", cfg.Python, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()
	logger.Debugw("backend started", "python", cfg.Python, "pid", py.Process.Pid)

	pw := &PythonWorker{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		logger:   logger,
	}

	// 2. Handshake: the bridge reports whether the library could be imported
	resp, err := pw.read()
	if err != nil {
		pw.Close()
		return nil, errors.Wrapf(ErrUnavailable, "backend exited before handshake: %v", err)
	}
	if !resp.OK {
		pw.Close()
		return nil, &BackendError{Kind: resp.Kind, Message: resp.Error}
	}
	return pw, nil
}

// Communicate writes one framed request and reads one framed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return w.readFrame()
}

func (w *PythonWorker) readFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a crashed interpreter
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func (w *PythonWorker) read() (*types.Response, error) {
	body, err := w.readFrame()
	if err != nil {
		return nil, err
	}
	return decode(body)
}

func decode(body []byte) (*types.Response, error) {
	var resp types.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "malformed backend response")
	}
	return &resp, nil
}

// call sends req and turns a negative response into a *BackendError.
func (w *PythonWorker) call(req types.Request) (*types.Response, error) {
	w.logger.Debugw("backend request", "op", req.Op)
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	body, err := w.Communicate(data)
	if err != nil {
		return nil, errors.Wrapf(err, "backend %s", req.Op)
	}
	resp, err := decode(body)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &BackendError{Kind: resp.Kind, Message: resp.Error}
	}
	return resp, nil
}

// Load builds the model from a weights file.
func (w *PythonWorker) Load(modelPath string) error {
	_, err := w.call(types.Request{Op: "load", Model: modelPath})
	return err
}

// To moves the loaded model to a compute device.
func (w *PythonWorker) To(device string) error {
	_, err := w.call(types.Request{Op: "to", Device: device})
	return err
}

// Names returns the class id to name mapping of the loaded model. The mapping
// is fetched once; a failure yields an empty mapping.
func (w *PythonWorker) Names() map[int]string {
	if w.names != nil {
		return w.names
	}
	w.names = map[int]string{}
	resp, err := w.call(types.Request{Op: "names"})
	if err != nil {
		w.logger.Debugw("class names unavailable", "error", err)
		return w.names
	}
	for k, v := range resp.Names {
		if id, err := strconv.Atoi(k); err == nil {
			w.names[id] = v
		}
	}
	return w.names
}

// Predict runs a single materialized predict call.
func (w *PythonWorker) Predict(args map[string]any) (*result.Batch, error) {
	resp, err := w.call(types.Request{Op: "predict", Args: args})
	if err != nil {
		return nil, err
	}
	batch := &result.Batch{SaveDir: resp.SaveDir, Complete: resp.Results != nil}
	for _, raw := range resp.Results {
		batch.Items = append(batch.Items, result.Result{Raw: raw})
	}
	return batch, nil
}

// Stream opens a lazy predict iteration. Items are pulled one at a time with Next.
func (w *PythonWorker) Stream(args map[string]any) (result.Stream, error) {
	if _, err := w.call(types.Request{Op: "stream", Args: args}); err != nil {
		return nil, err
	}
	return &FrameStream{w: w}, nil
}

// FrameStream pulls results from an open stream.
type FrameStream struct {
	w       *PythonWorker
	saveDir string
	done    bool
}

// Next returns the next item, or false once the stream is exhausted.
func (s *FrameStream) Next() (result.Result, bool, error) {
	if s.done {
		return result.Result{}, false, nil
	}
	resp, err := s.w.call(types.Request{Op: "next"})
	if err != nil {
		return result.Result{}, false, err
	}
	if resp.Done {
		s.done = true
		s.saveDir = resp.SaveDir
		return result.Result{}, false, nil
	}
	return result.Result{Raw: resp.Item}, true, nil
}

// SaveDir is the output directory the library reported when the stream ended.
func (s *FrameStream) SaveDir() string {
	return s.saveDir
}

// Close shuts the interpreter down and waits for it to exit.
func (w *PythonWorker) Close() error {
	err := multierr.Combine(w.Stdin.Close(), w.DataPipe.Close())
	if w.Cmd != nil {
		err = multierr.Append(err, w.Cmd.Wait())
	}
	return err
}
