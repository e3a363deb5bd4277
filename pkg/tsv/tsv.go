// Package tsv reads tabular sample-submission sheets into typed records.
//
// Only structural checks happen here: column presence, column count and
// text encoding. Vocabulary checks (whether an analysis type is a known
// term, etc.) belong to the schema validator.
package tsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// ErrMalformedInput is returned when the sheet itself is unusable:
// a required column is missing, a row has the wrong number of columns,
// a required field is empty, or the content is not valid UTF-8.
var ErrMalformedInput = errors.New("malformed input")

// RawRecord is one row of a sample sheet, decoded into named fields.
// It is immutable once parsed.
type RawRecord struct {
	Program                     string
	Project                     string
	CenterName                  string
	SubmitterDonorID            string
	SubmitterDonorPrimarySite   string
	SubmitterSpecimenID         string
	SubmitterSpecimenType       string
	SubmitterExperimentalDesign string
	SubmitterSampleID           string
	AnalysisType                string
	WorkflowName                string
	WorkflowVersion             string
	FileType                    string
	FilePath                    string
}

// Column names, in the normalized (lower snake case) form used by the
// input-record schema.
const (
	ColProgram                     = "program"
	ColProject                     = "project"
	ColCenterName                  = "center_name"
	ColSubmitterDonorID            = "submitter_donor_id"
	ColSubmitterDonorPrimarySite   = "submitter_donor_primary_site"
	ColSubmitterSpecimenID         = "submitter_specimen_id"
	ColSubmitterSpecimenType       = "submitter_specimen_type"
	ColSubmitterExperimentalDesign = "submitter_experimental_design"
	ColSubmitterSampleID           = "submitter_sample_id"
	ColAnalysisType                = "analysis_type"
	ColWorkflowName                = "workflow_name"
	ColWorkflowVersion             = "workflow_version"
	ColFileType                    = "file_type"
	ColFilePath                    = "file_path"
)

var requiredColumns = []string{
	ColProgram,
	ColProject,
	ColCenterName,
	ColSubmitterDonorID,
	ColSubmitterSpecimenID,
	ColSubmitterSpecimenType,
	ColSubmitterExperimentalDesign,
	ColSubmitterSampleID,
	ColAnalysisType,
	ColWorkflowName,
	ColWorkflowVersion,
	ColFileType,
	ColFilePath,
}

var optionalColumns = []string{
	ColSubmitterDonorPrimarySite,
}

// defaultable columns may be left blank in the sheet and filled from
// submission defaults (halyardenv).
var defaultableColumns = map[string]struct{}{
	ColProgram:    {},
	ColProject:    {},
	ColCenterName: {},
}

type Option func(*Reader) *Reader

// WithDefaults fills blank cells of defaultable columns with the given
// values before the required-field check runs.
func WithDefaults(defaults map[string]string) Option {
	return func(r *Reader) *Reader {
		for k, v := range defaults {
			r.defaults[k] = v
		}
		return r
	}
}

// Reader yields RawRecords from a sheet, one row at a time.
//
// A Reader is finite and lazy. Re-open the file to restart.
type Reader struct {
	f        *os.File
	cr       *csv.Reader
	cols     map[string]int // normalized column name -> index
	defaults map[string]string
	row      int // last read data row, 1-origin
}

// Open opens a sample sheet and reads its header.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, defaults: map[string]string{}}
	for _, o := range opts {
		r = o(r)
	}

	cr := csv.NewReader(f)
	cr.Comma = '\t'
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		f.Close()
		return nil, fmt.Errorf("%w: %s is empty (no header)", ErrMalformedInput, path)
	} else if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrMalformedInput, err)
	}

	cols := map[string]int{}
	for idx, name := range header {
		cols[Normalize(name)] = idx
	}
	for _, req := range requiredColumns {
		if _, ok := cols[req]; !ok {
			f.Close()
			return nil, fmt.Errorf(
				"%w: %s: required column %q is missing", ErrMalformedInput, path, req,
			)
		}
	}

	cr.FieldsPerRecord = len(header)
	r.cr = cr
	r.cols = cols
	return r, nil
}

// Read returns the next record. io.EOF signals the end of the sheet.
func (r *Reader) Read() (RawRecord, error) {
	row, err := r.cr.Read()
	if err == io.EOF {
		return RawRecord{}, io.EOF
	} else if err != nil {
		return RawRecord{}, fmt.Errorf("%w: %s", ErrMalformedInput, err)
	}
	r.row += 1

	get := func(col string) string {
		idx, ok := r.cols[col]
		if !ok || len(row) <= idx {
			return ""
		}
		v := strings.TrimSpace(row[idx])
		if v == "" {
			if _, can := defaultableColumns[col]; can {
				v = r.defaults[col]
			}
		}
		return v
	}

	for _, cell := range row {
		if !utf8.ValidString(cell) {
			return RawRecord{}, fmt.Errorf(
				"%w: row %d is not valid UTF-8", ErrMalformedInput, r.row,
			)
		}
	}

	for _, req := range requiredColumns {
		if get(req) == "" {
			return RawRecord{}, fmt.Errorf(
				"%w: row %d: required field %q is empty", ErrMalformedInput, r.row, req,
			)
		}
	}

	return RawRecord{
		Program:                     get(ColProgram),
		Project:                     get(ColProject),
		CenterName:                  get(ColCenterName),
		SubmitterDonorID:            get(ColSubmitterDonorID),
		SubmitterDonorPrimarySite:   get(ColSubmitterDonorPrimarySite),
		SubmitterSpecimenID:         get(ColSubmitterSpecimenID),
		SubmitterSpecimenType:       get(ColSubmitterSpecimenType),
		SubmitterExperimentalDesign: get(ColSubmitterExperimentalDesign),
		SubmitterSampleID:           get(ColSubmitterSampleID),
		AnalysisType:                get(ColAnalysisType),
		WorkflowName:                get(ColWorkflowName),
		WorkflowVersion:             get(ColWorkflowVersion),
		FileType:                    get(ColFileType),
		FilePath:                    get(ColFilePath),
	}, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadAll reads a whole sheet at once, in row order.
func ReadAll(path string, opts ...Option) ([]RawRecord, error) {
	r, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	records := []RawRecord{}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return records, nil
		} else if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// Normalize converts a header cell to the lower-snake-case form the
// input-record schema uses for its property names.
func Normalize(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return strings.ReplaceAll(name, " ", "_")
}

// Fields returns the record as a property-name -> value document,
// shaped for validation against the input-record schema.
func (rec RawRecord) Fields() map[string]any {
	return map[string]any{
		ColProgram:                     rec.Program,
		ColProject:                     rec.Project,
		ColCenterName:                  rec.CenterName,
		ColSubmitterDonorID:            rec.SubmitterDonorID,
		ColSubmitterDonorPrimarySite:   rec.SubmitterDonorPrimarySite,
		ColSubmitterSpecimenID:         rec.SubmitterSpecimenID,
		ColSubmitterSpecimenType:       rec.SubmitterSpecimenType,
		ColSubmitterExperimentalDesign: rec.SubmitterExperimentalDesign,
		ColSubmitterSampleID:           rec.SubmitterSampleID,
		ColAnalysisType:                rec.AnalysisType,
		ColWorkflowName:                rec.WorkflowName,
		ColWorkflowVersion:             rec.WorkflowVersion,
		ColFileType:                    rec.FileType,
		ColFilePath:                    rec.FilePath,
	}
}
