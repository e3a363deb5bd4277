package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/cgl-dcc/halyard/pkg/cmp"
	"github.com/cgl-dcc/halyard/pkg/transfer"
	"github.com/cgl-dcc/halyard/pkg/utils/try"
)

func TestCommandClients(t *testing.T) {
	t.Run("a zero exit is success", func(t *testing.T) {
		reg := transfer.NewRegistrar(
			transfer.Config{RegistrarCommand: "true"}, log.New(io.Discard, "", 0),
		)
		if err := reg.Register(context.Background(), "reg.tsv", t.TempDir()); err != nil {
			t.Errorf("unexpected error: %+v", err)
		}

		up := transfer.NewUploader(
			transfer.Config{UploaderCommand: "true"}, log.New(io.Discard, "", 0), io.Discard,
		)
		if err := up.Upload(context.Background(), "manifest.txt", false); err != nil {
			t.Errorf("unexpected error: %+v", err)
		}
	})

	t.Run("a non-zero exit is ErrExternalClient", func(t *testing.T) {
		reg := transfer.NewRegistrar(
			transfer.Config{RegistrarCommand: "false"}, log.New(io.Discard, "", 0),
		)
		if err := reg.Register(context.Background(), "reg.tsv", t.TempDir()); !errors.Is(err, transfer.ErrExternalClient) {
			t.Errorf("unexpected error: %+v", err)
		}

		up := transfer.NewUploader(
			transfer.Config{UploaderCommand: "false"}, log.New(io.Discard, "", 0), io.Discard,
		)
		if err := up.Upload(context.Background(), "manifest.txt", true); !errors.Is(err, transfer.ErrExternalClient) {
			t.Errorf("unexpected error: %+v", err)
		}
	})

	t.Run("a missing executable is ErrExternalClient", func(t *testing.T) {
		reg := transfer.NewRegistrar(
			transfer.Config{RegistrarCommand: "halyard-no-such-client"},
			log.New(io.Discard, "", 0),
		)
		if err := reg.Register(context.Background(), "reg.tsv", t.TempDir()); !errors.Is(err, transfer.ErrExternalClient) {
			t.Errorf("unexpected error: %+v", err)
		}
	})

	t.Run("uploader output is streamed to the given writer", func(t *testing.T) {
		out := new(bytes.Buffer)
		up := transfer.NewUploader(
			transfer.Config{UploaderCommand: "echo"}, log.New(io.Discard, "", 0), out,
		)
		if err := up.Upload(context.Background(), "manifest.txt", false); err != nil {
			t.Fatal(err)
		}
		if !bytes.Contains(out.Bytes(), []byte("manifest.txt")) {
			t.Errorf("output is not streamed: %q", out.String())
		}
	})
}

func TestParseUploadManifest(t *testing.T) {
	t.Run("it maps file names to object ids, skipping the header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manifest.txt")
		content := "object-id\tfile-path\tmd5\n" +
			"11111111-aaaa\t/work/bundles/a.bam\td41d8cd9\n" +
			"22222222-bbbb\t/work/bundles/metadata.json\tc157a79a\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}

		ids := try.To(transfer.ParseUploadManifest(path)).OrFatal(t)

		want := map[string]string{
			"a.bam":         "11111111-aaaa",
			"metadata.json": "22222222-bbbb",
		}
		if !cmp.MapEq(ids, want) {
			t.Errorf("unexpected mapping:\n===actual===\n%+v\n===expected===\n%+v", ids, want)
		}
	})

	t.Run("a missing manifest is an error", func(t *testing.T) {
		if _, err := transfer.ParseUploadManifest(filepath.Join(t.TempDir(), "gone")); err == nil {
			t.Error("no error is returned")
		}
	})
}
