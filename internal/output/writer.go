package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Format represents the output format
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// Row is a record that knows its CSV shape.
type Row interface {
	CSVHeader() []string
	CSVRecord() []string
}

// Writer handles formatted output
type Writer struct {
	format    Format
	w         io.Writer
	csvWriter *csv.Writer
	mu        sync.Mutex
	hasHeader bool
}

// ParseFormat validates a format name.
func ParseFormat(format string) (Format, error) {
	switch strings.ToLower(format) {
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson", "":
		return FormatJSONL, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported format: %s", format)
}

// NewWriter creates a new output writer
func NewWriter(format string, w io.Writer) (*Writer, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	writer := &Writer{format: f, w: w}
	if f == FormatCSV {
		writer.csvWriter = csv.NewWriter(w)
	}
	return writer, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(format string) (*Writer, error) {
	return NewWriter(format, os.Stdout)
}

// SkipHeader suppresses the CSV header, for appending to an existing file.
func (w *Writer) SkipHeader() {
	w.mu.Lock()
	w.hasHeader = true
	w.mu.Unlock()
}

// Write writes one record in the configured format. CSV records must
// implement Row.
func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case FormatJSON:
		encoder := json.NewEncoder(w.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)

	case FormatJSONL:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = w.w.Write(data)
		return err

	case FormatCSV:
		row, ok := v.(Row)
		if !ok {
			return fmt.Errorf("csv output: %T has no csv form", v)
		}
		if !w.hasHeader {
			if err := w.csvWriter.Write(row.CSVHeader()); err != nil {
				return err
			}
			w.hasHeader = true
		}
		if err := w.csvWriter.Write(row.CSVRecord()); err != nil {
			return err
		}
		return w.csvWriter.Error()
	}
	return fmt.Errorf("unsupported format: %s", w.format)
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csvWriter != nil {
		w.csvWriter.Flush()
		return w.csvWriter.Error()
	}
	return nil
}
