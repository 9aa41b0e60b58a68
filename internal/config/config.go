package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/andresmejia3/detect/internal/utils"
	"github.com/joho/godotenv"
)

// Defaults for optional flags
const (
	DefaultImageSize  = 640
	DefaultConfidence = 0.25
	DefaultPython     = "python3"
)

// Environment fallbacks, read after an optional .env file is loaded
const (
	EnvPython = "DETECT_PYTHON"
	EnvDevice = "DETECT_DEVICE"
)

// Source is the media reference handed to the library: either a webcam index
// or a path/URL string. Exactly one of the two is meaningful.
type Source struct {
	Index   int
	Path    string
	IsIndex bool
}

// ParseSource turns a string made only of decimal digits (any script, so
// "０" is webcam 0 too) into a webcam index and keeps everything else as a path.
func ParseSource(s string) Source {
	if digits, ok := asciiDigits(s); ok {
		if n, err := strconv.Atoi(digits); err == nil {
			return Source{Index: n, IsIndex: true}
		}
	}
	return Source{Path: s}
}

// Value is the JSON-ready form: an int for webcams, a string otherwise.
func (s Source) Value() any {
	if s.IsIndex {
		return s.Index
	}
	return s.Path
}

func (s Source) String() string {
	if s.IsIndex {
		return strconv.Itoa(s.Index)
	}
	return s.Path
}

// asciiDigits rewrites s into ASCII digits, or reports false if any rune is
// not a decimal digit.
func asciiDigits(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return "", false
		}
		b.WriteByte(byte('0' + digitValue(r)))
	}
	return b.String(), true
}

// digitValue relies on decimal digits being encoded as runs of 0..9.
func digitValue(r rune) int {
	n := 0
	for unicode.IsDigit(r - rune(n+1)) {
		n++
	}
	return n % 10
}

// InferenceConfig is built once from the command line and never modified.
type InferenceConfig struct {
	ModelPath    string
	Source       Source
	ImageSize    int
	Confidence   float64
	Device       string // empty means let the library pick
	Save         bool
	SaveText     bool
	Show         bool
	Stream       bool
	PrintResults bool
	RunName      string // empty means the library's default

	// Runner-only settings, never forwarded to predict
	Python  string
	Verbose bool
}

// Streaming reports whether results must be consumed lazily per frame.
func (c InferenceConfig) Streaming() bool {
	return c.Stream || c.PrintResults
}

// Validate checks the parsed config before any backend is started.
func (c InferenceConfig) Validate() error {
	// Exported formats such as OpenVINO are directories, so only existence is checked.
	if _, err := os.Stat(c.ModelPath); err != nil {
		return utils.Fail(utils.KindConfig, fmt.Sprintf("model file not found: %s", c.ModelPath), nil)
	}
	if c.ImageSize <= 0 {
		return utils.Fail(utils.KindConfig, "Invalid image size", fmt.Errorf("must be > 0, got %d", c.ImageSize))
	}
	if c.Confidence < 0 || c.Confidence > 1.0 {
		return utils.Fail(utils.KindConfig, "Invalid confidence threshold", fmt.Errorf("must be between 0.0 and 1.0, got %f", c.Confidence))
	}
	return nil
}

// LoadEnv reads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set.
// Missing files are not an error.
func LoadEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// GetEnv returns the value of key, or defaultValue when it is unset or empty.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
