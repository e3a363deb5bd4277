// Package transfer wraps the external transfer tooling: the
// metadata-registration client and the storage-upload client.
//
// Both are heavyweight external processes. They are modeled as
// injected interfaces so the submission coordinator can be tested with
// doubles; the real implementations shell out.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
)

// ErrExternalClient marks a failing invocation of one of the external
// clients. It is scoped to one bundle, never fatal to a run.
var ErrExternalClient = errors.New("external client failed")

// Registrar registers a bundle's files with the metadata server,
// producing an upload manifest in outDir.
type Registrar interface {
	Register(ctx context.Context, registrationManifest string, outDir string) error
}

// Uploader uploads the files referenced by an upload manifest to the
// storage server. force makes the remote side overwrite an existing
// bundle. Retry/backoff is the uploader's own business.
type Uploader interface {
	Upload(ctx context.Context, uploadManifest string, force bool) error
}

// Config carries what the external clients need from the environment.
type Config struct {
	// MetadataServerURL and StorageServerURL are passed to the clients
	// via their environment.
	MetadataServerURL string
	StorageServerURL  string

	// AccessToken authorizes both clients.
	AccessToken string

	// RegistrarCommand and UploaderCommand override the executables,
	// mainly for tests.
	RegistrarCommand string
	UploaderCommand  string
}

const (
	defaultRegistrarCommand = "dcc-metadata-client"
	defaultUploaderCommand  = "icgc-storage-client"
)

type commandRegistrar struct {
	cfg    Config
	logger *log.Logger
}

// NewRegistrar returns a Registrar shelling out to the
// metadata-registration client.
func NewRegistrar(cfg Config, logger *log.Logger) Registrar {
	return &commandRegistrar{cfg: cfg, logger: logger}
}

func (r *commandRegistrar) Register(ctx context.Context, registrationManifest string, outDir string) error {
	command := r.cfg.RegistrarCommand
	if command == "" {
		command = defaultRegistrarCommand
	}

	cmd := exec.CommandContext(ctx, command, "-m", registrationManifest, "-o", outDir)
	cmd.Env = clientEnv(r.cfg)

	out, err := cmd.CombinedOutput()
	if err != nil {
		logClientErrors(r.logger, out)
		return fmt.Errorf("%w: %s: %s", ErrExternalClient, command, err)
	}
	return nil
}

type commandUploader struct {
	cfg    Config
	logger *log.Logger
	stdout io.Writer
}

// NewUploader returns an Uploader shelling out to the storage-upload
// client. Client output is streamed to stdout so operators see upload
// progress live.
func NewUploader(cfg Config, logger *log.Logger, stdout io.Writer) Uploader {
	if stdout == nil {
		stdout = os.Stdout
	}
	return &commandUploader{cfg: cfg, logger: logger, stdout: stdout}
}

func (u *commandUploader) Upload(ctx context.Context, uploadManifest string, force bool) error {
	command := u.cfg.UploaderCommand
	if command == "" {
		command = defaultUploaderCommand
	}

	args := []string{"upload", "--manifest", uploadManifest}
	if force {
		args = append(args, "--force")
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = clientEnv(u.cfg)
	cmd.Stdout = u.stdout

	stderr := new(bytes.Buffer)
	cmd.Stderr = io.MultiWriter(u.stdout, stderr)

	if err := cmd.Run(); err != nil {
		logClientErrors(u.logger, stderr.Bytes())
		return fmt.Errorf("%w: %s: %s", ErrExternalClient, command, err)
	}
	return nil
}

func clientEnv(cfg Config) []string {
	env := os.Environ()
	if cfg.AccessToken != "" {
		env = append(env, "ACCESS_TOKEN="+cfg.AccessToken)
	}
	if cfg.MetadataServerURL != "" {
		env = append(env, "METADATA_SERVER_URL="+cfg.MetadataServerURL)
	}
	if cfg.StorageServerURL != "" {
		env = append(env, "STORAGE_SERVER_URL="+cfg.StorageServerURL)
	}
	return env
}

// logClientErrors surfaces the ERROR lines of a (java) client's output,
// skipping its thread-name noise.
func logClientErrors(logger *log.Logger, output []byte) {
	if logger == nil {
		return
	}
	for _, line := range bytes.Split(output, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if bytes.Contains(line, []byte("ERROR")) && !bytes.Contains(line, []byte("main]")) {
			logger.Printf("%s", line)
		}
	}
}
