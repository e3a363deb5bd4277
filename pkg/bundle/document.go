package bundle

import (
	"path/filepath"
	"time"

	"github.com/cgl-dcc/halyard/pkg/utils"
)

// SchemaVersion is the version of the output-metadata document layout
// generated by this assembler.
const SchemaVersion = "0.0.3"

// buildDocument shapes a bundle as its metadata document:
// donor fields at the top, then specimen > samples > analysis >
// workflow_outputs. One bundle always holds exactly one specimen, one
// sample and one analysis.
//
// file_path entries carry basenames only: directory structure is
// stripped on upload.
func buildDocument(b *Bundle, now time.Time) map[string]any {
	outputs := utils.Map(b.Files, func(f FileRef) any {
		return map[string]any{
			"file_type": f.Type,
			"file_path": filepath.Base(f.Path),
			"file_size": f.Size,
			"file_sha":  f.SHA1,
		}
	})

	analysis := map[string]any{
		"analysis_type":    b.AnalysisType,
		"workflow_name":    b.WorkflowName,
		"workflow_version": b.WorkflowVersion,
		"bundle_uuid":      b.UUID,
		"workflow_outputs": outputs,
	}

	sample := map[string]any{
		"submitter_sample_id": b.SubmitterSampleID,
		"sample_uuid":         b.SampleUUID,
		"analysis":            []any{analysis},
	}

	specimen := map[string]any{
		"submitter_specimen_id":         b.SubmitterSpecimenID,
		"submitter_specimen_type":       b.SubmitterSpecimenType,
		"submitter_experimental_design": b.SubmitterExperimentalDesign,
		"specimen_uuid":                 b.SpecimenUUID,
		"samples":                       []any{sample},
	}

	return map[string]any{
		"program":                      b.Program,
		"project":                      b.Project,
		"center_name":                  b.CenterName,
		"submitter_donor_id":           b.SubmitterDonorID,
		"submitter_donor_primary_site": b.SubmitterDonorPrimarySite,
		"donor_uuid":                   b.DonorUUID,
		"timestamp":                    now.UTC().Format(time.RFC3339),
		"schema_version":               SchemaVersion,
		"specimen":                     []any{specimen},
	}
}
