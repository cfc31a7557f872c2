package nats

import (
	"errors"
	"strconv"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"github.com/stretchr/testify/assert"

	"github.com/flarexio/retriever"
	"github.com/flarexio/retriever/datastore"
)

func errorMsg(err error) *nats.Msg {
	msg := nats.NewMsg("retriever.query")
	msg.Header = make(nats.Header)
	msg.Header.Set(micro.ErrorCodeHeader, strconv.Itoa(retriever.StatusCode(err)))
	msg.Header.Set(micro.ErrorHeader, err.Error())
	return msg
}

func TestErrorRoundTrip(t *testing.T) {
	assert := assert.New(t)

	cases := []struct {
		err  error
		kind error
	}{
		{&datastore.ValidationError{Field: "text", Reason: "blank"}, datastore.ErrInvalidRequest},
		{&datastore.InvalidRequestError{Reason: "empty"}, datastore.ErrInvalidRequest},
		{retriever.ErrUnsupportedFileType, retriever.ErrUnsupportedFileType},
		{retriever.ErrEmbedding, retriever.ErrEmbedding},
		{&datastore.BackendUnavailableError{Backend: "redis", Op: "query", Err: errors.New("eof")}, datastore.ErrBackendUnavailable},
	}

	for _, tc := range cases {
		err := Error(errorMsg(tc.err))
		assert.ErrorIs(err, tc.kind, tc.err.Error())
		assert.Contains(err.Error(), tc.err.Error())
	}

	err := Error(errorMsg(errors.New("boom")))
	assert.Equal("500:boom", err.Error())
	assert.Nil(errors.Unwrap(err))
	assert.True(datastore.IsClientError(Error(errorMsg(&datastore.InvalidRequestError{Reason: "x"}))))
}

func TestErrorWithoutHeaders(t *testing.T) {
	assert := assert.New(t)

	msg := nats.NewMsg("retriever.query")
	msg.Data = []byte(`{"results":[]}`)

	assert.NoError(Error(msg))
	assert.Error(Error(nil))
}
