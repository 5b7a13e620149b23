// Package reports renders the persisted JSON reports (tax, latency heatmap,
// recovery) and ships them to the optional S3-compatible archive. All reports
// are UTF-8 JSON with stable key order: struct fields render in declaration
// order and map keys sort lexically, so identical state always produces
// identical bytes.
package reports

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// EncodeJSON renders v in the canonical report form: two-space indent,
// trailing newline.
func EncodeJSON(v interface{}) ([]byte, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// WriteJSON renders v and lands it at path atomically.
func WriteJSON(path string, v interface{}) error {
	raw, err := EncodeJSON(v)
	if err != nil {
		return fmt.Errorf("encoding report %s: %w", filepath.Base(path), err)
	}
	return WriteBytes(path, raw)
}

// WriteBytes lands raw at path atomically: the bytes go to a temp file in the
// same directory first, then rename. A reader never observes a half-written
// report.
func WriteBytes(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating report directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
