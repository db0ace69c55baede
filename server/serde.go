package server

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Schema records are stored as json behind a one byte format tag.
const recordJSON = 'j'

func decodeRecord(b []byte, v any) error {
	if len(b) == 0 {
		return errors.New("empty schema record")
	}
	if b[0] != recordJSON {
		return errors.Newf("unknown schema record format %q", b[0])
	}
	dec := json.NewDecoder(bytes.NewReader(b[1:]))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func encodeRecord(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(recordJSON)
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrapf(err, "encoding %T", v)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
