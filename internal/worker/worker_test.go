package worker

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"os/exec"
	"testing"

	"github.com/andresmejia3/detect/internal/types"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeFrame appends a length-prefixed JSON response as the bridge would send it.
func writeFrame(t *testing.T, buf *bytes.Buffer, payload string) {
	t.Helper()
	if !json.Valid([]byte(payload)) {
		t.Fatalf("test payload is not valid JSON: %s", payload)
	}
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.WriteString(payload)
}

// readRequests decodes every framed request Go sent to the bridge.
func readRequests(t *testing.T, buf *bytes.Buffer) []types.Request {
	t.Helper()
	var reqs []types.Request
	for buf.Len() > 0 {
		var n uint32
		if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
			t.Fatalf("bad request header: %v", err)
		}
		var req types.Request
		if err := json.Unmarshal(buf.Next(int(n)), &req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func nopLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		logger:   nopLogger(),
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	return w, stdinMock, dataPipeMock
}

func TestCommunicate(t *testing.T) {
	w, stdin, data := newMockWorker()
	writeFrame(t, data.Buffer, `{"ok": true}`)

	input := []byte(`{"op":"names"}`)
	resp, err := w.Communicate(input)
	if err != nil {
		t.Fatalf("Communicate failed: %v", err)
	}

	// Expect 4 bytes header + payload
	if stdin.Len() != 4+len(input) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(input), stdin.Len())
	}
	if string(resp) != `{"ok": true}` {
		t.Errorf("unexpected response %q", resp)
	}
}

func TestCommunicate_TruncatedPipe(t *testing.T) {
	w, _, data := newMockWorker()
	data.Write([]byte{0, 0}) // interpreter died mid-header

	if _, err := w.Communicate([]byte(`{}`)); err == nil {
		t.Fatal("Expected error on truncated pipe, got nil")
	}
}

func TestPredict(t *testing.T) {
	w, stdin, data := newMockWorker()
	writeFrame(t, data.Buffer, `{"ok": true, "save_dir": "runs/detect/predict3", "results": [
		{"boxes": {"len": 2, "cls": [0, 2], "conf": [0.9, 0.4]}},
		{"boxes": null}
	]}`)

	args := map[string]any{"source": "clips/", "imgsz": 640}
	batch, err := w.Predict(args)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if !batch.Complete || len(batch.Items) != 2 {
		t.Fatalf("Expected complete batch of 2, got complete=%v len=%d", batch.Complete, len(batch.Items))
	}
	if batch.SaveDir != "runs/detect/predict3" {
		t.Errorf("unexpected save dir %q", batch.SaveDir)
	}

	reqs := readRequests(t, stdin.Buffer)
	if len(reqs) != 1 || reqs[0].Op != "predict" {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	// JSON numbers come back as float64
	want := map[string]any{"source": "clips/", "imgsz": float64(640)}
	if diff := cmp.Diff(want, reqs[0].Args); diff != "" {
		t.Errorf("predict args mismatch (-want +got):\n%s", diff)
	}
}

func TestPredict_NotEnumerable(t *testing.T) {
	w, _, data := newMockWorker()
	writeFrame(t, data.Buffer, `{"ok": true, "results": null}`)

	batch, err := w.Predict(map[string]any{})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if batch.Complete {
		t.Error("Expected incomplete batch for null results")
	}
}

func TestBackendErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		kind string
	}{
		{"Signature error", types.KindType},
		{"Runtime error", types.KindRuntime},
		{"Load error", types.KindLoad},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, data := newMockWorker()
			writeFrame(t, data.Buffer, `{"ok": false, "kind": "`+tt.kind+`", "error": "TypeError: unexpected keyword 'device'"}`)

			_, err := w.Predict(map[string]any{"device": "cuda:0"})
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !IsKind(err, tt.kind) {
				t.Errorf("Expected kind %q, got %v", tt.kind, err)
			}
			if err.Error() != "TypeError: unexpected keyword 'device'" {
				t.Errorf("unexpected message %q", err.Error())
			}
		})
	}
}

func TestNames(t *testing.T) {
	w, stdin, data := newMockWorker()
	writeFrame(t, data.Buffer, `{"ok": true, "names": {"0": "person", "2": "car", "x": "junk"}}`)

	want := map[int]string{0: "person", 2: "car"}
	if diff := cmp.Diff(want, w.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	// Second call is served from cache: no new request
	w.Names()
	if reqs := readRequests(t, stdin.Buffer); len(reqs) != 1 {
		t.Errorf("Expected 1 names request, got %d", len(reqs))
	}
}

func TestNames_Failure(t *testing.T) {
	w, _, data := newMockWorker()
	writeFrame(t, data.Buffer, `{"ok": false, "kind": "runtime", "error": "AttributeError"}`)

	if names := w.Names(); len(names) != 0 {
		t.Errorf("Expected empty names on failure, got %v", names)
	}
}

func TestStream(t *testing.T) {
	w, stdin, data := newMockWorker()
	writeFrame(t, data.Buffer, `{"ok": true}`)
	writeFrame(t, data.Buffer, `{"ok": true, "item": {"boxes": {"len": 1}}}`)
	writeFrame(t, data.Buffer, `{"ok": true, "done": true, "save_dir": "runs/detect/predict"}`)

	s, err := w.Stream(map[string]any{"source": 0})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	item, ok, err := s.Next()
	if err != nil || !ok {
		t.Fatalf("Expected first item, got ok=%v err=%v", ok, err)
	}
	if string(item.Raw) != `{"boxes": {"len": 1}}` {
		t.Errorf("unexpected item %s", item.Raw)
	}

	if _, ok, err := s.Next(); ok || err != nil {
		t.Fatalf("Expected end of stream, got ok=%v err=%v", ok, err)
	}
	// Exhausted streams do not talk to the backend again
	if _, ok, _ := s.Next(); ok {
		t.Fatal("Expected exhausted stream to stay exhausted")
	}
	if s.SaveDir() != "runs/detect/predict" {
		t.Errorf("unexpected save dir %q", s.SaveDir())
	}

	ops := []string{}
	for _, r := range readRequests(t, stdin.Buffer) {
		ops = append(ops, r.Op)
	}
	if diff := cmp.Diff([]string{"stream", "next", "next"}, ops); diff != "" {
		t.Errorf("request sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_NullFieldsKeepStreaming(t *testing.T) {
	w, _, data := newMockWorker()
	writeFrame(t, data.Buffer, `{"ok": true}`)
	writeFrame(t, data.Buffer, `{"ok": true, "item": {"boxes": {"len": 2, "conf": [null, 0.5], "xyxy": [[1.0, null, 2.0, 3.0]]}}}`)
	writeFrame(t, data.Buffer, `{"ok": true, "item": {"boxes": {"len": 0}}}`)

	s, err := w.Stream(map[string]any{"source": "clip.mp4"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, ok, err := s.Next(); err != nil || !ok {
			t.Fatalf("frame %d: ok=%v err=%v", i, ok, err)
		}
	}
}

// TestBridgeEncodeNonFinite runs the embedded bridge's encoder with a real
// interpreter, when one is available.
func TestBridgeEncodeNonFinite(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}

	const snippet = `import os
ns = {"__name__": "bridge"}
exec(os.environ["DETECT_BRIDGE"], ns)
print(ns["encode"]({"boxes": {"len": 2, "conf": [float("nan"), 0.5], "xyxy": [[1.0, float("inf"), 2.0, 3.0]]}}))
`
	cmd := exec.Command(python, "-c", snippet)
	cmd.Env = append(os.Environ(), "DETECT_BRIDGE="+bridgeScript)
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("bridge encode failed: %v", err)
	}

	var got struct {
		Boxes struct {
			Len  int          `json:"len"`
			Conf []*float64   `json:"conf"`
			XYXY [][]*float64 `json:"xyxy"`
		} `json:"boxes"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("bridge produced invalid JSON %q: %v", out, err)
	}
	if got.Boxes.Len != 2 || len(got.Boxes.Conf) != 2 {
		t.Fatalf("unexpected payload %s", out)
	}
	if got.Boxes.Conf[0] != nil || got.Boxes.XYXY[0][1] != nil {
		t.Errorf("non-finite values should become null, got %s", out)
	}
	if got.Boxes.Conf[1] == nil || *got.Boxes.Conf[1] != 0.5 {
		t.Errorf("finite values must survive, got %s", out)
	}
}

func TestLoadAndTo(t *testing.T) {
	w, stdin, data := newMockWorker()
	writeFrame(t, data.Buffer, `{"ok": true}`)
	writeFrame(t, data.Buffer, `{"ok": true}`)

	if err := w.Load("weights.pt"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := w.To("cuda:0"); err != nil {
		t.Fatalf("To failed: %v", err)
	}

	want := []types.Request{
		{Op: "load", Model: "weights.pt"},
		{Op: "to", Device: "cuda:0"},
	}
	if diff := cmp.Diff(want, readRequests(t, stdin.Buffer)); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestClose(t *testing.T) {
	w, _, _ := newMockWorker()
	if err := w.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
