package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessages(t *testing.T) {
	msgs, batch, err := DecodeMessages([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	assert.False(t, batch)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Method)

	msgs, batch, err = DecodeMessages([]byte("\n [{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"},{\"jsonrpc\":\"2.0\",\"method\":\"notifications/initialized\"}]"))
	require.NoError(t, err)
	assert.True(t, batch)
	require.Len(t, msgs, 2)
	assert.Equal(t, "notifications/initialized", msgs[1].Method)

	_, batch, err = DecodeMessages([]byte(`[]`))
	assert.True(t, batch)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, _, err = DecodeMessages([]byte(`{"jsonrpc":`))
	assert.Error(t, err)
}
