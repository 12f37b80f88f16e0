// Package frame decodes autoupdate wire frames.
//
// A frame is one newline-delimited line of a stream. It is either a plain
// JSON object or a base64 string that decompresses (raw deflate, zlib or
// gzip) to a JSON object. JSON objects shaped like {type, msg} or
// {error: {type, msg}} are application errors even when delivered with
// HTTP 200.
package frame

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ErrCompressed marks frames whose compressed encoding could not be
// reversed.
var ErrCompressed = errors.New("undecodable compressed frame")

// Decode turns a frame into a JSON payload, or an application error.
// Malformed frames yield a KindUnknown error.
func Decode(frame []byte) (json.RawMessage, *Error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, &Error{Kind: KindUnknown, Msg: "empty frame"}
	}

	payload := frame
	if frame[0] != '{' && frame[0] != '[' {
		data, err := Decompress(frame)
		if err != nil {
			return nil, &Error{Kind: KindUnknown, Msg: err.Error(), Err: err}
		}
		payload = data
	}

	if !json.Valid(payload) {
		return nil, &Error{Kind: KindUnknown, Msg: "invalid json frame"}
	}
	if d, ok := parseErrorDescription(payload); ok {
		return nil, FromDescription(d)
	}
	return json.RawMessage(payload), nil
}

// Decompress reverses the base64 + deflate-family transport encoding.
func Decompress(encoded []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(raw, encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrCompressed, err)
	}
	raw = raw[:n]

	var r io.ReadCloser
	switch {
	case len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(raw))
	case len(raw) >= 2 && raw[0]&0x0f == 0x08 && (uint16(raw[0])<<8|uint16(raw[1]))%31 == 0:
		r, err = zlib.NewReader(bytes.NewReader(raw))
	default:
		r = flate.NewReader(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressed, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressed, err)
	}
	return data, nil
}

// Compress applies the transport encoding. The worker never sends
// compressed frames; tests and tools use it to build them.
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(out, buf.Bytes())
	return out, nil
}
