package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXOAuth2InitialResponse(t *testing.T) {
	c := NewXOAuth2Client("user@example.com", "tok")

	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer tok\x01\x01", string(ir))

	resp, err := c.Next([]byte(`{"status":"401"}`))
	require.NoError(t, err)
	assert.Empty(t, resp)
}
