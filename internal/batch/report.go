package batch

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// Report header. Columns are separated by ';'.
var Header = []string{"FILE", "TIME", "TYPE", "TARGET", "PLATE", "FRAME"}

const (
	TypeFace  = "F"
	TypePlate = "P"
)

const (
	errorPrefix   = "-------- ERROR --------"
	successPrefix = "-------- ANALYSIS COMPLETED WITH SUCCESS --------"
	missingPrefix = "-------- ANALYSIS COMPLETED WITH MISSING PARTS --------"
	abortPrefix   = "-------- ANALYSIS ABORTED --------"
)

// ReportWriter is an append-only sink of report records.
type ReportWriter interface {
	Write(records ...[]string) error
}

// Report writes records as semicolon separated values and flushes after every call,
// so the file can be followed while the analysis runs.
type Report struct {
	w *csv.Writer
	c io.Closer
}

func NewReport(w io.Writer) *Report {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	return &Report{w: cw}
}

// CreateReport truncates path and writes the header.
func CreateReport(path string) (*Report, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	r := NewReport(f)
	r.c = f
	if err := r.Write(Header); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Report) Write(records ...[]string) error {
	for _, rec := range records {
		if err := r.w.Write(rec); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func (r *Report) Close() error {
	r.w.Flush()
	if r.c == nil {
		return r.w.Error()
	}
	return r.c.Close()
}

func errorRecord(file, at string, err error) []string {
	return []string{file, at, errorPrefix + err.Error()}
}
