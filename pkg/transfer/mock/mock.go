// Package mock provides test doubles for the transfer interfaces.
package mock

import (
	"context"
	"testing"

	"github.com/cgl-dcc/halyard/pkg/transfer"
)

type RegisterArgs struct {
	RegistrationManifest string
	OutDir               string
}

type UploadArgs struct {
	UploadManifest string
	Force          bool
}

type Registrar struct {
	t     *testing.T
	Impl  func(ctx context.Context, registrationManifest string, outDir string) error
	Calls []RegisterArgs
}

func NewRegistrar(t *testing.T) *Registrar {
	return &Registrar{t: t}
}

var _ transfer.Registrar = &Registrar{}

func (m *Registrar) Register(ctx context.Context, registrationManifest string, outDir string) error {
	m.Calls = append(m.Calls, RegisterArgs{
		RegistrationManifest: registrationManifest, OutDir: outDir,
	})
	if m.Impl == nil {
		m.t.Fatal("mock Registrar: Register is called, but not implemented")
		return nil
	}
	return m.Impl(ctx, registrationManifest, outDir)
}

type Uploader struct {
	t     *testing.T
	Impl  func(ctx context.Context, uploadManifest string, force bool) error
	Calls []UploadArgs
}

func NewUploader(t *testing.T) *Uploader {
	return &Uploader{t: t}
}

var _ transfer.Uploader = &Uploader{}

func (m *Uploader) Upload(ctx context.Context, uploadManifest string, force bool) error {
	m.Calls = append(m.Calls, UploadArgs{UploadManifest: uploadManifest, Force: force})
	if m.Impl == nil {
		m.t.Fatal("mock Uploader: Upload is called, but not implemented")
		return nil
	}
	return m.Impl(ctx, uploadManifest, force)
}
