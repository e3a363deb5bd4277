// Package bundle groups sample-sheet records into submission bundles,
// derives their stable identities and materializes per-bundle metadata
// documents.
package bundle

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/cgl-dcc/halyard/pkg/schema"
)

// ErrIncompleteGroup marks a bundle whose donor/specimen/analysis group
// has no data files at all.
var ErrIncompleteGroup = errors.New("incomplete group")

// ErrUnreadableFile marks a bundle referring to a data file which cannot
// be read from the local filesystem.
var ErrUnreadableFile = errors.New("unreadable data file")

// FileRef points at one local data file destined for upload.
// A FileRef is owned exclusively by its Bundle.
type FileRef struct {
	// Path as written in the sample sheet.
	Path string

	// Type tag declared in the sheet (bam, vcf, ...).
	Type string

	// Size in bytes, resolved at assembly time.
	Size int64

	// SHA1 digest ("sha1$..." form), resolved at assembly time.
	SHA1 string
}

// Bundle is the unit of submission: one donor/specimen/analysis group
// and its data files.
type Bundle struct {
	// UUID is the stable bundle identity. It is derived
	// deterministically from the group's composite key, so unchanged
	// input yields the same UUID on every run.
	UUID string

	DonorUUID    string
	SpecimenUUID string
	SampleUUID   string

	Program    string
	Project    string
	CenterName string

	SubmitterDonorID          string
	SubmitterDonorPrimarySite string

	SubmitterSpecimenID         string
	SubmitterSpecimenType       string
	SubmitterExperimentalDesign string

	SubmitterSampleID string

	AnalysisType    string
	WorkflowName    string
	WorkflowVersion string

	// Files, in first-appearance order of their sheet rows.
	Files []FileRef

	// Document is the generated metadata document. nil when the bundle
	// could not be materialized.
	Document map[string]any

	// Violations collected from input-record and output-metadata
	// validation. A bundle with violations is excluded from submission
	// but still reported.
	Violations []schema.Violation

	// Err is set for assembly-scoped failures (ErrIncompleteGroup,
	// ErrUnreadableFile).
	Err error
}

// Valid reports whether the bundle may be submitted.
func (b *Bundle) Valid() bool {
	return b.Err == nil && len(b.Violations) == 0
}

// UUID5 derives a name-based (version 5 style, SHA-1) UUID from the
// lowercased concatenation of parts. Equal parts always yield the same
// UUID; this is what keeps bundle identities stable across runs.
func UUID5(parts ...string) string {
	name := strings.ToLower(strings.Join(parts, ""))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
