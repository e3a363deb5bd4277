package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/youta-t/flarc"

	"github.com/cgl-dcc/halyard/cmd/halyard/config/profiles"
	henv "github.com/cgl-dcc/halyard/cmd/halyard/env"
	"github.com/cgl-dcc/halyard/cmd/halyard/rest"
	"github.com/cgl-dcc/halyard/cmd/halyard/subcommands/common"
	"github.com/cgl-dcc/halyard/pkg/bundle"
	"github.com/cgl-dcc/halyard/pkg/ledger"
	"github.com/cgl-dcc/halyard/pkg/schema"
	"github.com/cgl-dcc/halyard/pkg/submit"
	"github.com/cgl-dcc/halyard/pkg/transfer"
	"github.com/cgl-dcc/halyard/pkg/tsv"
	"github.com/cgl-dcc/halyard/pkg/utils/pointer"
)

type Flags struct {
	InputMetadataSchema string `flag:"input-metadata-schema" metavar:"PATH" help:"JSON schema each sample sheet row is validated against."`
	MetadataSchema      string `flag:"metadata-schema" metavar:"PATH" help:"JSON schema each generated metadata document is validated against."`
	OutputDir           string `flag:"output-dir" metavar:"PATH" help:"directory to generate bundles into."`
	ReceiptFile         string `flag:"receipt-file" metavar:"PATH" help:"receipt file recording submission outcomes. relative paths are resolved under --output-dir."`
	StorageAccessToken  string `flag:"storage-access-token" metavar:"TOKEN" help:"storage access token. overrides the profile and the ACCESS_TOKEN environment variable."`
	MetadataServerURL   string `flag:"metadata-server-url" metavar:"URL" help:"metadata server endpoint. overrides the profile."`
	StorageServerURL    string `flag:"storage-server-url" metavar:"URL" help:"storage server endpoint. overrides the profile."`
	SubmissionServerURL string `flag:"submission-server-url" metavar:"URL" help:"submission server endpoint. overrides the profile."`
	SkipUpload          bool   `flag:"skip-upload" help:"generate bundles only. do not register nor upload."`
	SkipSubmit          bool   `flag:"skip-submit" help:"do not contact the submission server."`
	ForceUpload         bool   `flag:"force-upload" help:"resubmit bundles even if they are recorded as submitted, overwriting remote content."`
}

const ARG_SAMPLES = "SAMPLES_TSV"

// Command carries the constructors the upload task resolves its
// collaborators with. Tests replace them.
type Command struct {
	NewRegistrar        func(transfer.Config, *log.Logger) transfer.Registrar
	NewUploader         func(transfer.Config, *log.Logger, io.Writer) transfer.Uploader
	NewSubmissionClient func(*profiles.Profile) (rest.SubmissionClient, error)
	ProgressOut         io.Writer
}

type Option func(*Command) *Command

// WithTransfer replaces the external client constructors.
func WithTransfer(
	newRegistrar func(transfer.Config, *log.Logger) transfer.Registrar,
	newUploader func(transfer.Config, *log.Logger, io.Writer) transfer.Uploader,
) Option {
	return func(c *Command) *Command {
		c.NewRegistrar = newRegistrar
		c.NewUploader = newUploader
		return c
	}
}

// WithSubmissionClient replaces the submission client constructor.
func WithSubmissionClient(
	f func(*profiles.Profile) (rest.SubmissionClient, error),
) Option {
	return func(c *Command) *Command {
		c.NewSubmissionClient = f
		return c
	}
}

func WithProgressOut(w io.Writer) Option {
	return func(c *Command) *Command {
		c.ProgressOut = w
		return c
	}
}

func New(opt ...Option) (flarc.Command, error) {
	cmd := &Command{
		NewRegistrar:        transfer.NewRegistrar,
		NewUploader:         transfer.NewUploader,
		NewSubmissionClient: rest.NewClient,
		ProgressOut:         os.Stderr,
	}
	for _, o := range opt {
		cmd = o(cmd)
	}

	return flarc.NewCommand(
		"Generate metadata bundles from sample sheets and upload them.",
		Flags{
			InputMetadataSchema: "schemas/input_metadata.json",
			MetadataSchema:      "schemas/metadata_schema.json",
			OutputDir:           "./outputs",
			ReceiptFile:         "receipt.tsv",
		},
		flarc.Args{
			{
				Name: ARG_SAMPLES, Required: true, Repeatable: true,
				Help: "sample sheet (TSV) describing the files to be submitted.",
			},
		},
		common.NewTask(cmd.Task()),
		flarc.WithDescription(`
Read sample sheets, group their rows into bundles, generate a metadata
document per bundle and submit each bundle: register it with the
metadata server, then upload its files to the storage server.

Each bundle's outcome is recorded in the receipt file. Rerunning over
the same sheets skips bundles already submitted, so an interrupted run
can be resumed by running it again.

To generate bundles without uploading:

	{{ .Command }} --skip-upload samples.tsv

To resubmit everything, overwriting remote content:

	{{ .Command }} --force-upload samples.tsv
`),
	)
}

func (cmd *Command) Task() common.Task[Flags] {
	return func(
		ctx context.Context,
		logger *log.Logger,
		e henv.Env,
		prof *profiles.Profile,
		cl flarc.Commandline[Flags],
		params []any,
	) error {
		flags := cl.Flags()

		outputDir := flags.OutputDir
		receiptPath := flags.ReceiptFile
		if !filepath.IsAbs(receiptPath) {
			receiptPath = filepath.Join(outputDir, receiptPath)
		}

		if !flags.ForceUpload {
			if err := assertOutputDirUsable(outputDir, receiptPath); err != nil {
				return fmt.Errorf("%w. pass --force-upload to overwrite it", err)
			}
		}

		records := []tsv.RawRecord{}
		for _, sheet := range cl.Args()[ARG_SAMPLES] {
			recs, err := tsv.ReadAll(sheet, tsv.WithDefaults(e.Defaults()))
			if err != nil {
				return fmt.Errorf("%w: %s", err, sheet)
			}
			records = append(records, recs...)
		}
		logger.Printf("%d records read from %d sheets", len(records), len(cl.Args()[ARG_SAMPLES]))

		catalog, err := schema.LoadCatalog(flags.InputMetadataSchema, flags.MetadataSchema)
		if err != nil {
			return err
		}

		bundles := bundle.New(
			catalog, bundle.WithProgressOut(cmd.ProgressOut),
		).Assemble(records)
		logger.Printf("%d bundles to process", len(bundles))

		if err := os.MkdirAll(outputDir, os.FileMode(0755)); err != nil {
			return err
		}
		led, err := ledger.Open(receiptPath)
		if err != nil {
			return err
		}
		defer led.Close()

		effProf := pointer.SafeDeref(prof)
		if flags.MetadataServerURL != "" {
			effProf.MetadataServerURL = flags.MetadataServerURL
		}
		if flags.StorageServerURL != "" {
			effProf.StorageServerURL = flags.StorageServerURL
		}
		if flags.SubmissionServerURL != "" {
			effProf.SubmissionServerURL = flags.SubmissionServerURL
		}

		token := flags.StorageAccessToken
		if token == "" {
			token, err = effProf.Token()
			if err != nil {
				return err
			}
		}

		tcfg := transfer.Config{
			MetadataServerURL: effProf.MetadataServerURL,
			StorageServerURL:  effProf.StorageServerURL,
			AccessToken:       token,
		}

		copts := []submit.Option{
			submit.WithLogger(logger),
			submit.WithProgressOut(cmd.ProgressOut),
		}
		if !flags.SkipSubmit && !flags.SkipUpload && effProf.SubmissionServerURL != "" {
			sc, err := cmd.NewSubmissionClient(&effProf)
			if err != nil {
				return err
			}
			copts = append(copts, submit.WithSubmissionServer(sc))
		}

		co := submit.New(
			led,
			cmd.NewRegistrar(tcfg, logger),
			cmd.NewUploader(tcfg, logger, cl.Stderr()),
			copts...,
		)
		report, err := co.Run(ctx, bundles, submit.Options{
			SkipUpload:  flags.SkipUpload,
			SkipSubmit:  flags.SkipSubmit,
			ForceUpload: flags.ForceUpload,
			OutputDir:   outputDir,
			ReceiptPath: receiptPath,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cl.Stdout())
		enc.SetIndent("", "    ")
		if err := enc.Encode(report); err != nil {
			return err
		}

		if report.Failed > 0 {
			return fmt.Errorf("%d of %d bundles failed", report.Failed, len(bundles))
		}
		return nil
	}
}

// assertOutputDirUsable refuses an output directory holding generated
// bundles that no receipt file accounts for. Rerunning over a tracked
// directory is fine: the ledger decides what to skip.
func assertOutputDirUsable(outputDir string, receiptPath string) error {
	if _, err := os.Stat(receiptPath); err == nil {
		return nil
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metadata := filepath.Join(outputDir, e.Name(), submit.MetadataFileName)
		if _, err := os.Stat(metadata); err == nil {
			return fmt.Errorf(
				"output directory %s already contains generated bundles with no receipt file",
				outputDir,
			)
		}
	}
	return nil
}
