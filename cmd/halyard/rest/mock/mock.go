package mock

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/cgl-dcc/halyard/cmd/halyard/rest"
)

type AttachReceiptArgs struct {
	ID      string
	Receipt string
}

func New(t *testing.T) *mockSubmissionClient {
	return &mockSubmissionClient{t: t}
}

type mockSubmissionClient struct {
	t *testing.T

	ImplOpenSubmission func(ctx context.Context) (string, error)
	ImplAttachReceipt  func(ctx context.Context, id string, receipt io.Reader) error

	AttachReceiptCalls []AttachReceiptArgs
}

var _ rest.SubmissionClient = &mockSubmissionClient{}

func (m *mockSubmissionClient) OpenSubmission(ctx context.Context) (string, error) {
	if m.ImplOpenSubmission == nil {
		m.t.Fatal("mock SubmissionClient: OpenSubmission is called, but not implemented")
		return "", nil
	}
	return m.ImplOpenSubmission(ctx)
}

func (m *mockSubmissionClient) AttachReceipt(ctx context.Context, id string, receipt io.Reader) error {
	if m.ImplAttachReceipt == nil {
		m.t.Fatal("mock SubmissionClient: AttachReceipt is called, but not implemented")
		return nil
	}
	body, err := io.ReadAll(receipt)
	if err != nil {
		return err
	}
	m.AttachReceiptCalls = append(m.AttachReceiptCalls, AttachReceiptArgs{
		ID: id, Receipt: string(body),
	})
	return m.ImplAttachReceipt(ctx, id, strings.NewReader(string(body)))
}
