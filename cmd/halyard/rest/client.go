package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	hprof "github.com/cgl-dcc/halyard/cmd/halyard/config/profiles"
	"github.com/cgl-dcc/halyard/pkg/utils"
)

// SubmissionClient tracks a submission session on the submission
// server.
type SubmissionClient interface {
	// OpenSubmission opens a new submission session.
	//
	// # Returns
	//
	// - string: id of the opened submission
	//
	// - error
	OpenSubmission(ctx context.Context) (string, error)

	// AttachReceipt attaches the receipt content to the submission.
	//
	// # Args
	//
	// - string: submission id returned by OpenSubmission
	//
	// - io.Reader: receipt content
	AttachReceipt(ctx context.Context, id string, receipt io.Reader) error
}

type client struct {
	httpclient *http.Client
	api        string
}

// NewClient creates a SubmissionClient for the profile.
//
// # Return
//
// - SubmissionClient: created client
//
// - error: if the profile is invalid or names no submission server,
// ErrProfileInvalid is returned.
func NewClient(prof *hprof.Profile) (SubmissionClient, error) {
	if err := prof.Verify(); err != nil {
		return nil, err
	}
	if prof.SubmissionServerURL == "" {
		return nil, fmt.Errorf(
			"%w: submissionServerUrl is not set", hprof.ErrProfileInvalid,
		)
	}

	httpclient := new(http.Client)
	if prof.Cert.CA != "" {
		hc, err := trustCa(httpclient, []string{prof.Cert.CA})
		if err != nil {
			return nil, err
		}
		httpclient = hc
	}

	return &client{
		httpclient: httpclient,
		api:        strings.TrimSuffix(prof.SubmissionServerURL, "/"),
	}, nil
}

// build URL with path
func (c *client) apipath(path ...string) string {
	path = utils.Map(path, func(p string) string {
		return strings.TrimPrefix(strings.TrimSuffix(p, "/"), "/")
	})

	return strings.Join(append([]string{c.api}, path...), "/")
}

func trustCa(hc *http.Client, cacerts []string) (*http.Client, error) {
	if len(cacerts) <= 0 {
		return hc, nil
	}

	if hc.Transport == nil {
		hc.Transport = http.DefaultTransport
	}

	tran, ok := hc.Transport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("failed to add ca cert")
	}
	tran = tran.Clone()

	tcc := tran.TLSClientConfig.Clone()
	if tcc == nil {
		tcc = &tls.Config{}
	}

	rootcas := tcc.RootCAs
	if rootcas == nil {
		rootcas = x509.NewCertPool()
		tcc.RootCAs = rootcas
	}
	for _, ca := range cacerts {
		bin, err := base64.StdEncoding.DecodeString(ca)
		if err != nil {
			return nil, err
		}

		if !rootcas.AppendCertsFromPEM(bin) {
			return nil, fmt.Errorf("failed to add cert")
		}
	}

	tran.TLSClientConfig = tcc
	hc.Transport = tran
	return hc, nil
}

func (c *client) OpenSubmission(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.apipath("v0", "submissions"),
		strings.NewReader("{}"),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	res := openSubmissionResponse{}
	if err := unmarshalJsonResponse(resp, &res, MessageFor{
		Status4xx: "opening a submission is rejected",
		Status5xx: "the submission server is in trouble",
	}); err != nil {
		return "", err
	}
	if res.Submission.ID == "" {
		return "", fmt.Errorf("the submission server returned no submission id")
	}
	return res.Submission.ID, nil
}

func (c *client) AttachReceipt(ctx context.Context, id string, receipt io.Reader) error {
	content, err := io.ReadAll(receipt)
	if err != nil {
		return err
	}
	body, err := json.Marshal(attachReceiptRequest{Receipt: string(content)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPut, c.apipath("v0", "submissions", id),
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	res := struct{}{}
	return unmarshalJsonResponse(resp, &res, MessageFor{
		Status4xx: "attaching the receipt is rejected",
		Status5xx: "the submission server is in trouble",
	})
}
