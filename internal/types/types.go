package types

import "encoding/json"

// Request is a single command sent to the backend worker over stdin
type Request struct {
	Op     string         `json:"op"`
	Model  string         `json:"model,omitempty"`
	Device string         `json:"device,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// Response matches the JSON envelope the worker writes back on FD 3.
// Payload fields are only populated for the ops that produce them.
type Response struct {
	OK    bool   `json:"ok"`
	Kind  string `json:"kind,omitempty"` // import, load, type, runtime
	Error string `json:"error,omitempty"`

	Names   map[string]string `json:"names,omitempty"`
	Results []json.RawMessage `json:"results"`
	SaveDir string            `json:"save_dir,omitempty"`
	Item    json.RawMessage   `json:"item,omitempty"`
	Done    bool              `json:"done,omitempty"`
}

// Failure kinds reported by the worker
const (
	KindImport  = "import"
	KindLoad    = "load"
	KindType    = "type"
	KindRuntime = "runtime"
)
