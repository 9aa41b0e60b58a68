// Package result adapts the opaque per-source results produced by the detection
// library into typed, fallible accessors. Every field the library may or may not
// expose is read through an accessor that returns (value, ok), trying a fixed
// list of decoders in priority order. A failed field never affects its siblings.
package result

import (
	"bytes"
	"encoding/json"

	"github.com/spf13/cast"
)

// Result is one source item (an image, or a frame of a video/webcam stream).
type Result struct {
	Raw json.RawMessage
}

// Boxes is the detection collection of a Result.
type Boxes struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
}

// Detection is a single resolved detection. Has* report which fields resolved.
type Detection struct {
	Index int

	ClassID  int
	HasClass bool

	Conf    float64
	HasConf bool

	Box    [4]float64
	HasBox bool
}

// firstOf returns the value of the first tier that succeeds.
func firstOf[T any](raw json.RawMessage, tiers ...func(json.RawMessage) (T, bool)) (T, bool) {
	var zero T
	if isNull(raw) {
		return zero, false
	}
	for _, tier := range tiers {
		if v, ok := tier(raw); ok {
			return v, true
		}
	}
	return zero, false
}

// Boxes returns the detection collection, or false when the result has none.
func (r Result) Boxes() (Boxes, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &top); err != nil {
		return Boxes{}, false
	}
	raw, ok := top["boxes"]
	if !ok || isNull(raw) {
		return Boxes{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Something that is not an object is still a collection we can show raw.
		return Boxes{raw: raw}, true
	}
	return Boxes{raw: raw, fields: fields}, true
}

// Len is the primary length accessor (the library's own len()).
func (b Boxes) Len() (int, bool) {
	raw, ok := b.fields["len"]
	if !ok {
		return 0, false
	}
	return firstOf(raw, bulkInt, itemInt)
}

// CoordCount is the secondary length accessor: the number of coordinate rows.
func (b Boxes) CoordCount() (int, bool) {
	raw, ok := b.fields["xyxy"]
	if !ok || isNull(raw) {
		return 0, false
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return 0, false
	}
	return len(rows), true
}

// Count tries Len, then CoordCount.
func (b Boxes) Count() (int, bool) {
	if n, ok := b.Len(); ok {
		return n, true
	}
	return b.CoordCount()
}

// ClassIDs reads boxes.cls: bulk numeric list first, then item by item.
func (b Boxes) ClassIDs() ([]float64, bool) {
	return firstOf(b.fields["cls"], bulkFloats, itemFloats)
}

// Confidences reads boxes.conf with the same tiers as ClassIDs.
func (b Boxes) Confidences() ([]float64, bool) {
	return firstOf(b.fields["conf"], bulkFloats, itemFloats)
}

// Coords reads boxes.xyxy as rows of corner coordinates.
func (b Boxes) Coords() ([][]float64, bool) {
	return firstOf(b.fields["xyxy"], bulkRows, itemRows)
}

// Repr is the library's own textual representation of the collection, falling
// back to the raw JSON we received.
func (b Boxes) Repr() string {
	var s string
	if raw, ok := b.fields["repr"]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
		return s
	}
	return string(b.raw)
}

// Detections resolves n detections. Each field list is decoded once and an
// index past the end of a list leaves that field unresolved.
func (b Boxes) Detections(n int) []Detection {
	classes, _ := b.ClassIDs()
	confs, _ := b.Confidences()
	coords, _ := b.Coords()

	out := make([]Detection, n)
	for i := range out {
		d := Detection{Index: i}
		if i < len(classes) {
			d.ClassID, d.HasClass = int(classes[i]), true
		}
		if i < len(confs) {
			d.Conf, d.HasConf = confs[i], true
		}
		if i < len(coords) && len(coords[i]) == 4 {
			copy(d.Box[:], coords[i])
			d.HasBox = true
		}
		out[i] = d
	}
	return out
}

// --- decoders ---

func bulkFloats(raw json.RawMessage) ([]float64, bool) {
	// Pointers so that a null element fails the tier instead of decoding as 0.
	var v []*float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	out := make([]float64, len(v))
	for i, f := range v {
		if f == nil {
			return nil, false
		}
		out[i] = *f
	}
	return out, true
}

func itemFloats(raw json.RawMessage) ([]float64, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	out := make([]float64, len(items))
	for i, item := range items {
		f, ok := scalar(item)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func bulkRows(raw json.RawMessage) ([][]float64, bool) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, false
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		r, ok := bulkFloats(row)
		if !ok {
			return nil, false
		}
		out[i] = r
	}
	return out, true
}

func itemRows(raw json.RawMessage) ([][]float64, bool) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, false
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		r, ok := firstOf(row, bulkFloats, itemFloats)
		if !ok {
			return nil, false
		}
		out[i] = r
	}
	return out, true
}

func bulkInt(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func itemInt(raw json.RawMessage) (int, bool) {
	f, ok := scalar(raw)
	return int(f), ok
}

// scalar converts one JSON value (number, numeric string, or a single-element
// list such as a 0-d tensor's tolist()) into a float.
func scalar(raw json.RawMessage) (float64, bool) {
	if isNull(raw) {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	if list, ok := v.([]any); ok {
		if len(list) != 1 {
			return 0, false
		}
		v = list[0]
	}
	switch v.(type) {
	case nil, bool, map[string]any, []any:
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Batch is the outcome of a one-shot predict call. Complete is false when the
// library did not hand back an enumerable collection.
type Batch struct {
	Items    []Result
	Complete bool
	SaveDir  string
}

// Stream yields results one at a time. Next returns false once exhausted.
type Stream interface {
	Next() (Result, bool, error)
	SaveDir() string
}
