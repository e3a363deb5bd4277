package bundle

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cgl-dcc/halyard/pkg/digest"
	"github.com/cgl-dcc/halyard/pkg/schema"
	"github.com/cgl-dcc/halyard/pkg/tsv"
	"github.com/cgl-dcc/halyard/pkg/utils"
)

// Assembler turns parsed records into bundles.
type Assembler struct {
	catalog     *schema.Catalog
	progressOut io.Writer
	clock       func() time.Time
}

type Option func(*Assembler) *Assembler

// WithProgressOut sets the writer digest progress bars render to.
func WithProgressOut(w io.Writer) Option {
	return func(a *Assembler) *Assembler {
		a.progressOut = w
		return a
	}
}

// WithClock overrides the timestamp source of generated documents.
func WithClock(clock func() time.Time) Option {
	return func(a *Assembler) *Assembler {
		a.clock = clock
		return a
	}
}

func New(catalog *schema.Catalog, opts ...Option) *Assembler {
	return utils.ApplyAll(
		&Assembler{
			catalog:     catalog,
			progressOut: os.Stderr,
			clock:       time.Now,
		},
		opts...,
	)
}

// Assemble groups records into bundles, in first-row order, and
// materializes a validated metadata document per bundle.
//
// A record failing input-record validation makes its bundle invalid; a
// grouped bundle without data files carries ErrIncompleteGroup. Neither
// stops assembly of the other bundles.
func (a *Assembler) Assemble(records []tsv.RawRecord) []Bundle {
	index := map[string]*Bundle{}
	order := []*Bundle{}

	for nth, rec := range records {
		donorUUID := UUID5(rec.CenterName, rec.SubmitterDonorID)
		specimenUUID := UUID5(rec.CenterName, rec.SubmitterDonorID, rec.SubmitterSpecimenID)
		sampleUUID := UUID5(
			rec.CenterName, rec.SubmitterDonorID, rec.SubmitterSpecimenID, rec.SubmitterSampleID,
		)
		bundleUUID := UUID5(
			sampleUUID, rec.AnalysisType, rec.WorkflowName, rec.WorkflowVersion,
		)

		b, ok := index[bundleUUID]
		if !ok {
			b = &Bundle{
				UUID:         bundleUUID,
				DonorUUID:    donorUUID,
				SpecimenUUID: specimenUUID,
				SampleUUID:   sampleUUID,

				Program:    rec.Program,
				Project:    rec.Project,
				CenterName: rec.CenterName,

				SubmitterDonorID:          rec.SubmitterDonorID,
				SubmitterDonorPrimarySite: rec.SubmitterDonorPrimarySite,

				SubmitterSpecimenID:         rec.SubmitterSpecimenID,
				SubmitterSpecimenType:       rec.SubmitterSpecimenType,
				SubmitterExperimentalDesign: rec.SubmitterExperimentalDesign,

				SubmitterSampleID: rec.SubmitterSampleID,

				AnalysisType:    rec.AnalysisType,
				WorkflowName:    rec.WorkflowName,
				WorkflowVersion: rec.WorkflowVersion,
			}
			index[bundleUUID] = b
			order = append(order, b)
		}

		for _, v := range a.catalog.Validate(rec.Fields(), schema.KindInputRecord) {
			b.Violations = append(b.Violations, schema.Violation{
				Field:  fmt.Sprintf("row %d: %s", nth+1, v.Field),
				Reason: v.Reason,
			})
		}

		if rec.FilePath != "" {
			b.Files = append(b.Files, FileRef{Path: rec.FilePath, Type: rec.FileType})
		}
	}

	now := a.clock()
	for _, b := range order {
		a.materialize(b, now)
	}

	return utils.Map(order, func(b *Bundle) Bundle { return *b })
}

func (a *Assembler) materialize(b *Bundle, now time.Time) {
	if len(b.Files) == 0 {
		b.Err = fmt.Errorf(
			"%w: no data files for donor=%s specimen=%s analysis=%s",
			ErrIncompleteGroup,
			b.SubmitterDonorID, b.SubmitterSpecimenID, b.AnalysisType,
		)
		return
	}
	if len(b.Violations) != 0 {
		// rows are already known bad. don't bother hashing files.
		return
	}

	for nth := range b.Files {
		f := &b.Files[nth]

		stat, err := os.Stat(f.Path)
		if err != nil {
			b.Err = fmt.Errorf("%w: %s: %s", ErrUnreadableFile, f.Path, err)
			return
		}
		f.Size = stat.Size()

		sum, err := digest.SHA1(f.Path, a.progressOut)
		if err != nil {
			b.Err = fmt.Errorf("%w: %s: %s", ErrUnreadableFile, f.Path, err)
			return
		}
		f.SHA1 = sum
	}

	b.Document = buildDocument(b, now)
	b.Violations = append(
		b.Violations,
		a.catalog.Validate(b.Document, schema.KindOutputMetadata)...,
	)
}
