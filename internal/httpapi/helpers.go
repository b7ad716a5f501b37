package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/keyd/api"
)

type jsonDecodeOptions struct {
	disallowUnknowns bool
	allowEmpty       bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// decodeJSON reads a size-limited JSON object from r into dst. An empty body
// decodes as the zero value so that field validation reports what is
// missing.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	err := decodeJSONBody(body, dst, jsonDecodeOptions{allowEmpty: true})
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return httpError{
			Status: http.StatusRequestEntityTooLarge,
			Body:   api.ErrorResponse{Error: api.MsgBodyTooLarge},
			Err:    err,
		}
	}
	return httpError{
		Status: http.StatusBadRequest,
		Body:   api.ErrorResponse{Error: api.MsgInvalidBody},
		Err:    err,
	}
}
