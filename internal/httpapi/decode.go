package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// decode reads a single JSON object request body into dst, rejecting
// unknown fields and trailing data. Field-level validation is left to each
// handler, since this repo's request shapes are small enough not to need a
// struct-tag validator.
func decode(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			return errors.New("request body too large (max 1 MiB)")
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return errors.New("invalid JSON: " + err.Error())
		}
	}

	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
