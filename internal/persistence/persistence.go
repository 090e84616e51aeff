// Package persistence writes run results to disk.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Options struct {
	Overwrite bool
	Prefix    string
	Indent    string
}

func DefaultOptions() Options {
	return Options{Overwrite: true, Indent: "    "}
}

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

// FileWriter writes through a temporary file in the target directory.
type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// WriteJSONToFile serializes data with serializer and hands the bytes to
// writer under filename.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("write results: %w", os.ErrInvalid)
	}
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize data: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteJSON writes data as indented JSON to filename, replacing any
// existing file.
func WriteJSON(data any, filename string, opts ...Options) error {
	opt := DefaultOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}
	return WriteJSONToFile(data, filename,
		JSONSerializer{Prefix: opt.Prefix, Indent: opt.Indent},
		FileWriter{Overwrite: opt.Overwrite})
}
