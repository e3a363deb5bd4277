// Package submit orchestrates the submission pipeline end to end:
// decide skip/submit/overwrite per bundle against the receipt ledger,
// write metadata to the output area, drive the external clients, and
// record every outcome durably.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/cgl-dcc/halyard/pkg/bundle"
	"github.com/cgl-dcc/halyard/pkg/digest"
	"github.com/cgl-dcc/halyard/pkg/ledger"
	"github.com/cgl-dcc/halyard/pkg/transfer"
	"github.com/cgl-dcc/halyard/pkg/utils"
)

// MetadataFileName is the document written per bundle directory.
const MetadataFileName = "metadata.json"

// RegistrationFileName is the per-bundle registration manifest
// consumed by the metadata-registration client.
const RegistrationFileName = "registration.tsv"

// uploadManifestDirName collects the upload manifests the registrar
// produces, one file per bundle UUID.
const uploadManifestDirName = "uploadManifest"

// ReceiptLedger is the slice of the ledger the coordinator needs.
// The coordinator is the only writer.
type ReceiptLedger interface {
	Lookup(uuid string) (ledger.Outcome, bool)
	Record(uuid string, outcome ledger.Outcome, detail string) error
}

// SubmissionServer tracks a submission session remotely. Optional.
type SubmissionServer interface {
	// OpenSubmission opens a session and returns its id.
	OpenSubmission(ctx context.Context) (string, error)

	// AttachReceipt attaches the receipt content to the session.
	AttachReceipt(ctx context.Context, id string, receipt io.Reader) error
}

// Options of one submission run. Ephemeral; not persisted.
type Options struct {
	// SkipUpload stops each bundle after metadata generation
	// (outcome: generated).
	SkipUpload bool

	// SkipSubmit leaves the submission server out entirely.
	SkipSubmit bool

	// ForceUpload resubmits bundles already recorded as submitted,
	// overwriting remote content.
	ForceUpload bool

	// OutputDir receives one subdirectory per bundle UUID.
	OutputDir string

	// ReceiptPath is the ledger file, attached to the submission
	// session at the end of the run.
	ReceiptPath string
}

// Result is the terminal state one bundle reached in this run.
type Result struct {
	BundleUUID string         `json:"bundle_uuid"`
	Outcome    ledger.Outcome `json:"outcome"`

	// Detail is the metadata object id for submitted bundles, or the
	// error message for failed ones.
	Detail string `json:"detail,omitempty"`
}

// Report aggregates one run.
type Report struct {
	Submitted int `json:"submitted"`
	Skipped   int `json:"skipped"`
	Generated int `json:"generated"`
	Failed    int `json:"failed"`

	// Invalid bundles were excluded before submission (validation or
	// assembly errors). They are reported but never reach the ledger.
	Invalid int `json:"invalid"`

	Results []Result `json:"results"`

	// SubmissionID is set when a submission session was opened.
	SubmissionID string `json:"submission_id,omitempty"`
}

// Coordinator drives bundles through the pipeline one at a time, in
// deterministic order. Sequential per-bundle execution is required:
// the ledger write must be durable before the next bundle starts.
type Coordinator struct {
	ledger      ReceiptLedger
	registrar   transfer.Registrar
	uploader    transfer.Uploader
	server      SubmissionServer
	logger      *log.Logger
	progressOut io.Writer
}

type Option func(*Coordinator) *Coordinator

// WithSubmissionServer enables session bracketing.
func WithSubmissionServer(s SubmissionServer) Option {
	return func(c *Coordinator) *Coordinator {
		c.server = s
		return c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) *Coordinator {
		c.logger = l
		return c
	}
}

func WithProgressOut(w io.Writer) Option {
	return func(c *Coordinator) *Coordinator {
		c.progressOut = w
		return c
	}
}

func New(
	l ReceiptLedger,
	registrar transfer.Registrar,
	uploader transfer.Uploader,
	opts ...Option,
) *Coordinator {
	return utils.ApplyAll(
		&Coordinator{
			ledger:      l,
			registrar:   registrar,
			uploader:    uploader,
			logger:      log.New(os.Stderr, "", log.LstdFlags),
			progressOut: os.Stderr,
		},
		opts...,
	)
}

// Run processes bundles in order. One bundle's failure never aborts
// the run; the report counts it and the run continues. Cancellation is
// honored between bundles only: an in-flight external call runs to
// completion or failure.
func (c *Coordinator) Run(ctx context.Context, bundles []bundle.Bundle, opts Options) (*Report, error) {
	report := &Report{}

	submissionID := ""
	if c.server != nil && !opts.SkipSubmit && !opts.SkipUpload {
		id, err := c.server.OpenSubmission(ctx)
		if err != nil {
			c.logger.Printf("[WARN] cannot open a submission session, continuing without one: %s", err)
		} else {
			submissionID = id
			report.SubmissionID = id
		}
	}

	total := len(bundles)
	for nth := range bundles {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		b := &bundles[nth]

		if !b.Valid() {
			report.Invalid += 1
			if b.Err != nil {
				c.logger.Printf("[[%d/%d]] excluded: %s: %s", nth+1, total, b.UUID, b.Err)
			}
			for _, v := range b.Violations {
				c.logger.Printf("[[%d/%d]] INVALID %s: %s", nth+1, total, b.UUID, v)
			}
			continue
		}

		if prior, known := c.ledger.Lookup(b.UUID); known && prior == ledger.Submitted && !opts.ForceUpload {
			if err := c.ledger.Record(b.UUID, ledger.Skipped, ""); err != nil {
				return report, err
			}
			report.Skipped += 1
			report.Results = append(report.Results, Result{BundleUUID: b.UUID, Outcome: ledger.Skipped})
			c.logger.Printf("[[%d/%d]] skipped (already submitted): %s", nth+1, total, b.UUID)
			continue
		}

		detail, err := c.submitOne(ctx, b, opts)
		switch {
		case err != nil:
			if rerr := c.ledger.Record(b.UUID, ledger.Failed, err.Error()); rerr != nil {
				return report, rerr
			}
			report.Failed += 1
			report.Results = append(report.Results, Result{
				BundleUUID: b.UUID, Outcome: ledger.Failed, Detail: err.Error(),
			})
			c.logger.Printf("[[%d/%d]] [ERROR] failed: %s: %s", nth+1, total, b.UUID, err)

		case opts.SkipUpload:
			if err := c.ledger.Record(b.UUID, ledger.Generated, ""); err != nil {
				return report, err
			}
			report.Generated += 1
			report.Results = append(report.Results, Result{BundleUUID: b.UUID, Outcome: ledger.Generated})
			c.logger.Printf("[[%d/%d]] generated (upload skipped): %s", nth+1, total, b.UUID)

		default:
			if err := c.ledger.Record(b.UUID, ledger.Submitted, detail); err != nil {
				return report, err
			}
			report.Submitted += 1
			report.Results = append(report.Results, Result{
				BundleUUID: b.UUID, Outcome: ledger.Submitted, Detail: detail,
			})
			c.logger.Printf("[[%d/%d]] [OK] submitted: %s", nth+1, total, b.UUID)
		}
	}

	if submissionID != "" {
		if err := c.attachReceipt(ctx, submissionID, opts.ReceiptPath); err != nil {
			c.logger.Printf("[WARN] cannot attach the receipt to submission %s: %s", submissionID, err)
		}
	}

	return report, nil
}

// submitOne takes one bundle to its output directory and, unless the
// run skips uploading, through registration and upload. It returns the
// metadata object id when known.
func (c *Coordinator) submitOne(ctx context.Context, b *bundle.Bundle, opts Options) (string, error) {
	bundleDir := filepath.Join(opts.OutputDir, b.UUID)
	if err := os.MkdirAll(bundleDir, os.FileMode(0755)); err != nil {
		return "", err
	}

	// the metadata document must be on disk before the registration
	// client runs: it reads the bundle directory.
	if err := writeDocument(filepath.Join(bundleDir, MetadataFileName), b.Document); err != nil {
		return "", err
	}
	if err := linkDataFiles(bundleDir, b.Files); err != nil {
		return "", err
	}

	registration := filepath.Join(bundleDir, RegistrationFileName)
	if err := c.writeRegistration(registration, bundleDir, b); err != nil {
		return "", err
	}

	if opts.SkipUpload {
		return "", nil
	}

	manifestDir := filepath.Join(opts.OutputDir, uploadManifestDirName)
	if err := os.MkdirAll(manifestDir, os.FileMode(0755)); err != nil {
		return "", err
	}
	if err := c.registrar.Register(ctx, registration, manifestDir); err != nil {
		return "", err
	}

	uploadManifest := filepath.Join(manifestDir, b.UUID)
	if err := c.uploader.Upload(ctx, uploadManifest, opts.ForceUpload); err != nil {
		return "", err
	}

	ids, err := transfer.ParseUploadManifest(uploadManifest)
	if err != nil {
		// the upload itself succeeded. the receipt just loses the
		// object-id detail.
		c.logger.Printf("[WARN] cannot read upload manifest %s: %s", uploadManifest, err)
		return "", nil
	}
	return ids[MetadataFileName], nil
}

func writeDocument(path string, doc map[string]any) error {
	buf, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(buf, '\n'), os.FileMode(0644))
}

// linkDataFiles symlinks each data file into the bundle directory.
// Existing links are replaced: overwrite runs regenerate the layout.
func linkDataFiles(bundleDir string, files []bundle.FileRef) error {
	for _, f := range files {
		target, err := filepath.Abs(f.Path)
		if err != nil {
			return err
		}
		link := filepath.Join(bundleDir, filepath.Base(f.Path))
		if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.Symlink(target, link); err != nil {
			return err
		}
	}
	return nil
}

// writeRegistration writes the per-bundle registration manifest:
// one line per file in the bundle directory, metadata document
// included.
func (c *Coordinator) writeRegistration(path string, bundleDir string, b *bundle.Bundle) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(0644))
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, "gnos_id\tprogram_code\tfile_path\tfile_md5\taccess"); err != nil {
		return err
	}

	row := func(filePath string) error {
		sum, err := digest.MD5(filePath, c.progressOut)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(
			f, "%s\t%s\t%s\t%s\t%s\n",
			b.UUID, b.Program, filePath, sum, "controlled",
		)
		return err
	}

	if err := row(filepath.Join(bundleDir, MetadataFileName)); err != nil {
		return err
	}
	for _, fr := range b.Files {
		if err := row(filepath.Join(bundleDir, filepath.Base(fr.Path))); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) attachReceipt(ctx context.Context, submissionID string, receiptPath string) error {
	f, err := os.Open(receiptPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.server.AttachReceipt(ctx, submissionID, f)
}
