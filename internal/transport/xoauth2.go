package transport

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"
	"github.com/sqs/go-xoauth2"
)

type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client returns a SASL client for Google's XOAUTH2 mechanism.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	// XOAuth2String is already base64; the IMAP client encodes again.
	raw, err := base64.StdEncoding.DecodeString(xoauth2.XOAuth2String(c.username, c.token))
	if err != nil {
		return "", nil, err
	}
	return "XOAUTH2", raw, nil
}

// Next answers the error challenge with an empty response so the server
// completes the exchange with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
