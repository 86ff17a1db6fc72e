// Package dataset loads the tabular rows under review.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

// Options selects the dataset columns with special meaning.
type Options struct {
	URLColumn string
	// IDColumn, when set, supplies stable row identifiers. Otherwise the
	// zero-based source index is used.
	IDColumn string
}

// Dataset is the immutable, ordered list of rows.
type Dataset struct {
	Columns []string
	Rows    []annotator.Row
	byID    map[string]int
}

// Load reads a CSV file with a header row.
func Load(path string, opts Options) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	return Read(f, opts)
}

// Read parses CSV rows from r.
func Read(r io.Reader, opts Options) (*Dataset, error) {
	if opts.URLColumn == "" {
		return nil, errors.New("url column is required")
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("dataset does not contain a header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset header: %w", err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	ds := &Dataset{Columns: header, byID: make(map[string]int)}
	for idx := 0; ; idx++ {
		record, readErr := reader.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read dataset row %d: %w", idx+1, readErr)
		}
		data := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				data[col] = record[i]
			} else {
				data[col] = ""
			}
		}
		url := strings.TrimSpace(data[opts.URLColumn])
		if url == "" {
			return nil, fmt.Errorf("row %d is missing the URL column %q", idx+1, opts.URLColumn)
		}
		id := strconv.Itoa(idx)
		if opts.IDColumn != "" {
			id = strings.TrimSpace(data[opts.IDColumn])
			if id == "" {
				return nil, fmt.Errorf("row %d is missing the id column %q", idx+1, opts.IDColumn)
			}
		}
		if _, dup := ds.byID[id]; dup {
			return nil, fmt.Errorf("duplicate row id %q", id)
		}
		ds.byID[id] = idx
		ds.Rows = append(ds.Rows, annotator.Row{ID: id, Index: idx, URL: url, Data: data})
	}
	if len(ds.Rows) == 0 {
		return nil, errors.New("no rows were loaded from the dataset")
	}
	return ds, nil
}

// Row looks up a row by identifier.
func (d *Dataset) Row(id string) (annotator.Row, bool) {
	idx, ok := d.byID[id]
	if !ok {
		return annotator.Row{}, false
	}
	return d.Rows[idx], true
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Rows) }
