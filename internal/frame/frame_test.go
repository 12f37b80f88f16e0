package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_PlainJSON(t *testing.T) {
	data, ferr := Decode([]byte(`{"item/1":{"title":"A"}}` + "\n"))
	require.Nil(t, ferr)
	assert.JSONEq(t, `{"item/1":{"title":"A"}}`, string(data))
}

func TestDecode_Compressed(t *testing.T) {
	payload := []byte(`{"item/2":{"title":"B"}}`)

	deflated, err := Compress(payload)
	require.NoError(t, err)

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	zw.Write(payload)
	zw.Close()

	var gbuf bytes.Buffer
	gw := gzip.NewWriter(&gbuf)
	gw.Write(payload)
	gw.Close()

	for name, frame := range map[string][]byte{
		"deflate": deflated,
		"zlib":    []byte(base64.StdEncoding.EncodeToString(zbuf.Bytes())),
		"gzip":    []byte(base64.StdEncoding.EncodeToString(gbuf.Bytes())),
	} {
		t.Run(name, func(t *testing.T) {
			data, ferr := Decode(frame)
			require.Nil(t, ferr)
			assert.JSONEq(t, string(payload), string(data))
		})
	}
}

func TestDecode_ApplicationErrors(t *testing.T) {
	tests := []struct {
		frame string
		kind  Kind
		typ   string
	}{
		{`{"type":"auth","msg":"token expired"}`, KindAuth, "auth"},
		{`{"error":{"type":"invalid","msg":"bad field"}}`, KindClient, "invalid"},
		{`{"error":{"type":"internal","msg":"boom"}}`, KindServer, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			data, ferr := Decode([]byte(tt.frame))
			assert.Nil(t, data)
			require.NotNil(t, ferr)
			assert.Equal(t, tt.kind, ferr.Kind)
			assert.Equal(t, tt.typ, ferr.Type)
			assert.True(t, ferr.Communication())
		})
	}
}

func TestDecode_ErrorFrameCompressed(t *testing.T) {
	enc, err := Compress([]byte(`{"type":"auth","msg":"x"}`))
	require.NoError(t, err)

	_, ferr := Decode(enc)
	require.NotNil(t, ferr)
	assert.Equal(t, KindAuth, ferr.Kind)
}

func TestDecode_Malformed(t *testing.T) {
	for _, frame := range []string{"", "{not json", "!!!notbase64", base64.StdEncoding.EncodeToString([]byte("garbage"))} {
		_, ferr := Decode([]byte(frame))
		require.NotNil(t, ferr, frame)
		assert.Equal(t, KindUnknown, ferr.Kind)
		assert.False(t, ferr.Communication())
	}

	_, ferr := Decode([]byte("!!!notbase64"))
	assert.True(t, errors.Is(ferr, ErrCompressed))
}

func TestDecode_TypeOnlyIsData(t *testing.T) {
	data, ferr := Decode([]byte(`{"type":"x"}`))
	require.Nil(t, ferr)
	assert.JSONEq(t, `{"type":"x"}`, string(data))
}

func TestFromStatus(t *testing.T) {
	assert.Equal(t, KindClient, FromStatus(404, nil).Kind)
	assert.False(t, FromStatus(404, nil).Retryable())
	assert.Equal(t, KindServer, FromStatus(502, []byte("bad gateway")).Kind)
	assert.Equal(t, KindUnknown, FromStatus(302, nil).Kind)

	e := FromStatus(403, []byte(`{"error":{"type":"auth","msg":"no"}}`))
	assert.Equal(t, KindAuth, e.Kind)
	assert.Equal(t, 403, e.Status)

	e = FromStatus(400, []byte(`{"type":"internal","msg":"x"}`))
	assert.Equal(t, KindClient, e.Kind)
	assert.True(t, e.Retryable(), "typed client errors count toward the budget")

	e = FromStatus(500, []byte(`{"type":"internal","msg":"x"}`))
	assert.Equal(t, KindServer, e.Kind)
	assert.True(t, e.Communication())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	net := Classify(errors.New("connection refused"))
	assert.Equal(t, KindServer, net.Kind)
	assert.False(t, net.Communication())

	orig := &Error{Kind: KindAuth, Type: "auth"}
	assert.Same(t, orig, Classify(fmt.Errorf("wrapped: %w", orig)))
}

func TestDescription(t *testing.T) {
	d := (&Error{Kind: KindServer, Status: 503}).Description()
	assert.Equal(t, "server", d.Type)
	assert.Contains(t, d.Msg, "503")
}
