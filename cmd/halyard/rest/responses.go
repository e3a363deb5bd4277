package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var ErrServer = errors.New("submission server error")

type openSubmissionResponse struct {
	Submission struct {
		ID string `json:"id"`
	} `json:"submission"`
}

type attachReceiptRequest struct {
	Receipt string `json:"receipt"`
}

type MessageFor map[StatusCodeRange]string

// unmarshal http response which has json content.
//
// args:
//   - resp: http response to be processed.
//   - v: value which response should be.
//   - messageFor: title of error message for HTTP status code range.
//
// return:
//
//	error if...
//	- can not read response body
//	- response body is not shaped of v
//	- status code is in 4xx or 5xx
func unmarshalJsonResponse[T any](resp *http.Response, v *T, messageFor MessageFor) error {
	scr := StatusCodeRangeOf(resp)
	if scr <= Status2xx {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf(
				"%w: unexpected response: %s (status code = %d)",
				ErrServer, err, resp.StatusCode,
			)
		}
		return nil
	}

	message, ok := messageFor[scr]
	if !ok {
		message = scr.String()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf(
			"%w: %s (status code = %d; cannot read server message: %s)",
			ErrServer, message, resp.StatusCode, err,
		)
	}
	return fmt.Errorf(
		"%w: %s (status code = %d): %s",
		ErrServer, message, resp.StatusCode, string(body),
	)
}
