package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var ErrInvalidJSON = errors.New("invalid json")

// Decoder reads exactly one JSON document and rejects unknown fields.
type Decoder struct {
	MaxBytes int64
}

func NewDecoder(maxBytes int64) *Decoder {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Decoder{MaxBytes: maxBytes}
}

func (d *Decoder) Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, d.MaxBytes)
	defer func() { _ = body.Close() }()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ErrInvalidJSON
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrInvalidJSON
	}
	return nil
}
