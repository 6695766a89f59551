package wire

import (
	"encoding/json"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePublish(t *testing.T) {
	f, err := Decode([]byte(`{"type":"publish","request_id":"r1","payload":{"channel_id":7,"content":"hi","client_message_id":"c"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypePublish, f.Type)
	assert.Equal(t, "r1", f.RequestID)

	var p Publish
	require.NoError(t, f.DecodePayload(&p))
	assert.Equal(t, int64(7), p.ChannelID)
	assert.Equal(t, "hi", p.Content)
	assert.Nil(t, p.ReplyToID)
	assert.Equal(t, "c", p.ClientMessageID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = Decode([]byte(`{"payload":{}}`))
	assert.True(t, errors.Is(err, errors.NotValid))

	f, err := Decode([]byte(`{"type":"subscribe"}`))
	require.NoError(t, err)
	var ref ChannelRef
	assert.True(t, errors.Is(f.DecodePayload(&ref), errors.NotValid))
}

func TestPingHasNoPayload(t *testing.T) {
	b, err := Encode(TypePong, "", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(b))
}

func TestCodeFor(t *testing.T) {
	cases := map[string]error{
		CodeUnauthorized:      errors.Unauthorizedf("token"),
		CodeForbidden:         errors.Forbiddenf("channel 1"),
		CodeNotFound:          errors.NotFoundf("channel 1"),
		CodeInvalidArgument:   errors.NotValidf("content"),
		CodeResourceExhausted: errors.QuotaLimitExceededf("frames"),
		CodeUnavailable:       errors.New("disk on fire"),
	}
	for code, err := range cases {
		got := CodeFor(errors.Trace(err))
		assert.Equal(t, code, got.Code)
	}
	assert.True(t, CodeFor(errors.New("x")).Retryable)
	assert.False(t, CodeFor(errors.Forbiddenf("x")).Retryable)
	assert.NotContains(t, CodeFor(errors.New("disk on fire")).Message, "disk")
}

func TestErrorFrame(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal(ErrorFrame("r9", errors.NotFoundf("reply target 4")), &f))
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, "r9", f.RequestID)
	var e Error
	require.NoError(t, f.DecodePayload(&e))
	assert.Equal(t, CodeNotFound, e.Code)
}
