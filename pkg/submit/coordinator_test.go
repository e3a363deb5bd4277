package submit_test

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cgl-dcc/halyard/pkg/bundle"
	"github.com/cgl-dcc/halyard/pkg/ledger"
	"github.com/cgl-dcc/halyard/pkg/schema"
	"github.com/cgl-dcc/halyard/pkg/submit"
	"github.com/cgl-dcc/halyard/pkg/transfer/mock"
	"github.com/cgl-dcc/halyard/pkg/utils/try"
)

func nullLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// testBundle builds a materialized bundle over one real data file.
func testBundle(t *testing.T, dir string, uuid string, content string) bundle.Bundle {
	t.Helper()
	dataFile := filepath.Join(dir, uuid+".bam")
	if err := os.WriteFile(dataFile, []byte(content), os.FileMode(0644)); err != nil {
		t.Fatal(err)
	}
	return bundle.Bundle{
		UUID:    uuid,
		Program: "TEST-PROGRAM",
		Files: []bundle.FileRef{
			{Path: dataFile, Type: "bam", Size: int64(len(content))},
		},
		Document: map[string]any{
			"program":     "TEST-PROGRAM",
			"bundle_uuid": uuid,
		},
	}
}

// registrarWritingManifest returns a mock registrar whose Register
// writes an upload manifest named after the bundle uuid, the way the
// real registration client does.
func registrarWritingManifest(t *testing.T, uuid string, objectID string) *mock.Registrar {
	reg := mock.NewRegistrar(t)
	reg.Impl = func(_ context.Context, registrationManifest string, outDir string) error {
		manifest := fmt.Sprintf(
			"object-id file-name\n%s %s\n",
			objectID, filepath.Join(filepath.Dir(registrationManifest), submit.MetadataFileName),
		)
		return os.WriteFile(filepath.Join(outDir, uuid), []byte(manifest), os.FileMode(0644))
	}
	return reg
}

func okUploader(t *testing.T) *mock.Uploader {
	up := mock.NewUploader(t)
	up.Impl = func(context.Context, string, bool) error { return nil }
	return up
}

func TestCoordinator_Run(t *testing.T) {
	t.Run("a fresh bundle is submitted and laid out on disk", func(t *testing.T) {
		root := t.TempDir()
		outputDir := filepath.Join(root, "outputs")
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()

		b := testBundle(t, root, "bundle-1", "read data")
		reg := registrarWritingManifest(t, "bundle-1", "obj-123")
		up := okUploader(t)

		co := submit.New(led, reg, up, submit.WithLogger(nullLogger()))
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b},
			submit.Options{OutputDir: outputDir},
		)).OrFatal(t)

		if report.Submitted != 1 || report.Failed != 0 {
			t.Errorf("unexpected report: %+v", report)
		}
		if len(report.Results) != 1 || report.Results[0].Detail != "obj-123" {
			t.Errorf("unexpected results: %+v", report.Results)
		}

		bundleDir := filepath.Join(outputDir, "bundle-1")

		doc := try.To(os.ReadFile(filepath.Join(bundleDir, submit.MetadataFileName))).OrFatal(t)
		parsed := map[string]any{}
		if err := json.Unmarshal(doc, &parsed); err != nil {
			t.Fatalf("metadata.json is not valid json: %s", err)
		}
		if parsed["bundle_uuid"] != "bundle-1" {
			t.Errorf("unexpected metadata document: %v", parsed)
		}

		link := filepath.Join(bundleDir, "bundle-1.bam")
		target := try.To(os.Readlink(link)).OrFatal(t)
		if target != filepath.Join(root, "bundle-1.bam") {
			t.Errorf("unexpected symlink target: %s", target)
		}

		manifest := string(try.To(os.ReadFile(filepath.Join(bundleDir, submit.RegistrationFileName))).OrFatal(t))
		lines := strings.Split(strings.TrimRight(manifest, "\n"), "\n")
		if len(lines) != 3 {
			t.Fatalf("unexpected registration manifest: %s", manifest)
		}
		if lines[0] != "gnos_id\tprogram_code\tfile_path\tfile_md5\taccess" {
			t.Errorf("unexpected header: %s", lines[0])
		}
		wantMD5 := fmt.Sprintf("%x", md5.Sum([]byte("read data")))
		dataRow := fmt.Sprintf(
			"bundle-1\tTEST-PROGRAM\t%s\t%s\tcontrolled", link, wantMD5,
		)
		if lines[2] != dataRow {
			t.Errorf("unexpected data row:\n got: %s\nwant: %s", lines[2], dataRow)
		}

		if outcome, ok := led.Lookup("bundle-1"); !ok || outcome != ledger.Submitted {
			t.Errorf("ledger outcome = %s, %v; want submitted", outcome, ok)
		}
		if len(reg.Calls) != 1 || len(up.Calls) != 1 {
			t.Errorf("unexpected client calls: %+v / %+v", reg.Calls, up.Calls)
		}
		if up.Calls[0].Force {
			t.Error("force passed to the uploader without --force-upload")
		}
	})

	t.Run("a submitted bundle is skipped on rerun", func(t *testing.T) {
		root := t.TempDir()
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()
		try.To(0, led.Record("bundle-1", ledger.Submitted, "obj-123")).OrFatal(t)

		b := testBundle(t, root, "bundle-1", "read data")
		reg := mock.NewRegistrar(t) // Fatal when called
		up := mock.NewUploader(t)

		co := submit.New(led, reg, up, submit.WithLogger(nullLogger()))
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b},
			submit.Options{OutputDir: filepath.Join(root, "outputs")},
		)).OrFatal(t)

		if report.Skipped != 1 || report.Submitted != 0 {
			t.Errorf("unexpected report: %+v", report)
		}
		// skip is recorded for audit, but submitted stays effective
		if outcome, _ := led.Lookup("bundle-1"); outcome != ledger.Submitted {
			t.Errorf("ledger outcome = %s; want submitted", outcome)
		}
		if len(led.Entries()) != 2 {
			t.Errorf("unexpected ledger entries: %+v", led.Entries())
		}
	})

	t.Run("force resubmits an already submitted bundle", func(t *testing.T) {
		root := t.TempDir()
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()
		try.To(0, led.Record("bundle-1", ledger.Submitted, "obj-123")).OrFatal(t)

		b := testBundle(t, root, "bundle-1", "read data")
		reg := registrarWritingManifest(t, "bundle-1", "obj-456")
		up := okUploader(t)

		co := submit.New(led, reg, up, submit.WithLogger(nullLogger()))
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b},
			submit.Options{OutputDir: filepath.Join(root, "outputs"), ForceUpload: true},
		)).OrFatal(t)

		if report.Submitted != 1 || report.Skipped != 0 {
			t.Errorf("unexpected report: %+v", report)
		}
		if len(up.Calls) != 1 || !up.Calls[0].Force {
			t.Errorf("force not passed to the uploader: %+v", up.Calls)
		}
		if _, ok := led.Lookup("bundle-1"); !ok {
			t.Error("ledger lost the bundle")
		}
	})

	t.Run("one failing bundle does not stop the run", func(t *testing.T) {
		root := t.TempDir()
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()

		b1 := testBundle(t, root, "bundle-1", "first")
		b2 := testBundle(t, root, "bundle-2", "second")

		reg := mock.NewRegistrar(t)
		reg.Impl = func(_ context.Context, registrationManifest string, outDir string) error {
			if strings.Contains(registrationManifest, "bundle-1") {
				return errors.New("registration rejected")
			}
			manifest := "object-id file-name\nobj-2 metadata.json\n"
			return os.WriteFile(filepath.Join(outDir, "bundle-2"), []byte(manifest), os.FileMode(0644))
		}
		up := okUploader(t)

		co := submit.New(led, reg, up, submit.WithLogger(nullLogger()))
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b1, b2},
			submit.Options{OutputDir: filepath.Join(root, "outputs")},
		)).OrFatal(t)

		if report.Failed != 1 || report.Submitted != 1 {
			t.Errorf("unexpected report: %+v", report)
		}
		if outcome, _ := led.Lookup("bundle-1"); outcome != ledger.Failed {
			t.Errorf("bundle-1 outcome = %s; want failed", outcome)
		}
		if outcome, _ := led.Lookup("bundle-2"); outcome != ledger.Submitted {
			t.Errorf("bundle-2 outcome = %s; want submitted", outcome)
		}
	})

	t.Run("a failed bundle is retried on the next run", func(t *testing.T) {
		root := t.TempDir()
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()
		try.To(0, led.Record("bundle-1", ledger.Failed, "registration rejected")).OrFatal(t)

		b := testBundle(t, root, "bundle-1", "read data")
		reg := registrarWritingManifest(t, "bundle-1", "obj-123")
		up := okUploader(t)

		co := submit.New(led, reg, up, submit.WithLogger(nullLogger()))
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b},
			submit.Options{OutputDir: filepath.Join(root, "outputs")},
		)).OrFatal(t)

		if report.Submitted != 1 || report.Skipped != 0 {
			t.Errorf("unexpected report: %+v", report)
		}
		if outcome, _ := led.Lookup("bundle-1"); outcome != ledger.Submitted {
			t.Errorf("ledger outcome = %s; want submitted", outcome)
		}
	})

	t.Run("skip-upload generates artifacts without touching the clients", func(t *testing.T) {
		root := t.TempDir()
		outputDir := filepath.Join(root, "outputs")
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()

		b := testBundle(t, root, "bundle-1", "read data")
		reg := mock.NewRegistrar(t)
		up := mock.NewUploader(t)

		co := submit.New(led, reg, up, submit.WithLogger(nullLogger()))
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b},
			submit.Options{OutputDir: outputDir, SkipUpload: true},
		)).OrFatal(t)

		if report.Generated != 1 || report.Submitted != 0 {
			t.Errorf("unexpected report: %+v", report)
		}
		bundleDir := filepath.Join(outputDir, "bundle-1")
		for _, name := range []string{submit.MetadataFileName, submit.RegistrationFileName} {
			if _, err := os.Stat(filepath.Join(bundleDir, name)); err != nil {
				t.Errorf("%s: %s", name, err)
			}
		}
		if outcome, _ := led.Lookup("bundle-1"); outcome != ledger.Generated {
			t.Errorf("ledger outcome = %s; want generated", outcome)
		}
	})

	t.Run("a generated bundle is submitted on a later run without skip-upload", func(t *testing.T) {
		root := t.TempDir()
		outputDir := filepath.Join(root, "outputs")
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()

		b := testBundle(t, root, "bundle-1", "read data")

		{
			co := submit.New(led, mock.NewRegistrar(t), mock.NewUploader(t), submit.WithLogger(nullLogger()))
			report := try.To(co.Run(
				context.Background(), []bundle.Bundle{b},
				submit.Options{OutputDir: outputDir, SkipUpload: true},
			)).OrFatal(t)
			if report.Generated != 1 {
				t.Fatalf("unexpected report: %+v", report)
			}
		}

		reg := registrarWritingManifest(t, "bundle-1", "obj-123")
		up := okUploader(t)
		co := submit.New(led, reg, up, submit.WithLogger(nullLogger()))
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b},
			submit.Options{OutputDir: outputDir},
		)).OrFatal(t)

		if report.Submitted != 1 || report.Skipped != 0 || report.Generated != 0 {
			t.Errorf("unexpected report: %+v", report)
		}
		if outcome, _ := led.Lookup("bundle-1"); outcome != ledger.Submitted {
			t.Errorf("ledger outcome = %s; want submitted", outcome)
		}
		if len(reg.Calls) != 1 || len(up.Calls) != 1 {
			t.Errorf("clients not exercised on the second run: %d, %d", len(reg.Calls), len(up.Calls))
		}
	})

	t.Run("invalid bundles are excluded and never recorded", func(t *testing.T) {
		root := t.TempDir()
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()

		invalid := bundle.Bundle{
			UUID: "bundle-bad",
			Violations: []schema.Violation{
				{Field: "analysis_type", Reason: "must be one of the enum values"},
			},
		}

		co := submit.New(
			led, mock.NewRegistrar(t), mock.NewUploader(t),
			submit.WithLogger(nullLogger()),
		)
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{invalid},
			submit.Options{OutputDir: filepath.Join(root, "outputs")},
		)).OrFatal(t)

		if report.Invalid != 1 {
			t.Errorf("unexpected report: %+v", report)
		}
		if _, ok := led.Lookup("bundle-bad"); ok {
			t.Error("invalid bundle reached the ledger")
		}
	})

	t.Run("a submission session brackets the run", func(t *testing.T) {
		root := t.TempDir()
		receiptPath := filepath.Join(root, "receipt.tsv")
		led := try.To(ledger.Open(receiptPath)).OrFatal(t)
		defer led.Close()

		b := testBundle(t, root, "bundle-1", "read data")
		reg := registrarWritingManifest(t, "bundle-1", "obj-123")
		up := okUploader(t)

		server := &fakeSubmissionServer{id: "sub-42"}
		co := submit.New(
			led, reg, up,
			submit.WithLogger(nullLogger()),
			submit.WithSubmissionServer(server),
		)
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b},
			submit.Options{OutputDir: filepath.Join(root, "outputs"), ReceiptPath: receiptPath},
		)).OrFatal(t)

		if report.SubmissionID != "sub-42" {
			t.Errorf("submission id = %s; want sub-42", report.SubmissionID)
		}
		if server.attachedTo != "sub-42" {
			t.Errorf("receipt attached to %s; want sub-42", server.attachedTo)
		}
		if !strings.Contains(server.attachedBody, "bundle-1\tsubmitted") {
			t.Errorf("unexpected receipt body: %s", server.attachedBody)
		}
	})

	t.Run("a session open failure does not abort the run", func(t *testing.T) {
		root := t.TempDir()
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()

		b := testBundle(t, root, "bundle-1", "read data")
		server := &fakeSubmissionServer{openErr: errors.New("service unavailable")}
		co := submit.New(
			led, registrarWritingManifest(t, "bundle-1", "obj-123"), okUploader(t),
			submit.WithLogger(nullLogger()),
			submit.WithSubmissionServer(server),
		)
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b},
			submit.Options{OutputDir: filepath.Join(root, "outputs")},
		)).OrFatal(t)

		if report.Submitted != 1 || report.SubmissionID != "" {
			t.Errorf("unexpected report: %+v", report)
		}
	})

	t.Run("an unreadable upload manifest still counts as submitted", func(t *testing.T) {
		root := t.TempDir()
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()

		b := testBundle(t, root, "bundle-1", "read data")
		reg := mock.NewRegistrar(t)
		reg.Impl = func(context.Context, string, string) error { return nil } // writes no manifest
		up := okUploader(t)

		co := submit.New(led, reg, up, submit.WithLogger(nullLogger()))
		report := try.To(co.Run(
			context.Background(), []bundle.Bundle{b},
			submit.Options{OutputDir: filepath.Join(root, "outputs")},
		)).OrFatal(t)

		if report.Submitted != 1 {
			t.Errorf("unexpected report: %+v", report)
		}
		if report.Results[0].Detail != "" {
			t.Errorf("unexpected detail: %s", report.Results[0].Detail)
		}
	})

	t.Run("cancellation stops before the next bundle", func(t *testing.T) {
		root := t.TempDir()
		led := try.To(ledger.Open(filepath.Join(root, "receipt.tsv"))).OrFatal(t)
		defer led.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		b := testBundle(t, root, "bundle-1", "read data")
		co := submit.New(
			led, mock.NewRegistrar(t), mock.NewUploader(t),
			submit.WithLogger(nullLogger()),
		)
		if _, err := co.Run(ctx, []bundle.Bundle{b}, submit.Options{
			OutputDir: filepath.Join(root, "outputs"),
		}); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v; want context.Canceled", err)
		}
		if _, ok := led.Lookup("bundle-1"); ok {
			t.Error("cancelled run reached the ledger")
		}
	})
}

type fakeSubmissionServer struct {
	id      string
	openErr error

	attachedTo   string
	attachedBody string
}

func (f *fakeSubmissionServer) OpenSubmission(context.Context) (string, error) {
	if f.openErr != nil {
		return "", f.openErr
	}
	return f.id, nil
}

func (f *fakeSubmissionServer) AttachReceipt(_ context.Context, id string, receipt io.Reader) error {
	body, err := io.ReadAll(receipt)
	if err != nil {
		return err
	}
	f.attachedTo = id
	f.attachedBody = string(body)
	return nil
}
