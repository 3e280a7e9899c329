package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AuthType selects the credential material used to log in.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthOAuth2   AuthType = "oauth2"
)

// Account is a configured IMAP account.
type Account struct {
	// ID is the unique identifier of the account.
	ID string `mapstructure:"id" yaml:"id"`

	// Email is the account's address, used as login name when Username is empty.
	Email string `mapstructure:"email" yaml:"email"`

	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	AuthType AuthType `mapstructure:"auth_type" yaml:"auth_type"`
	Username string   `mapstructure:"username" yaml:"username"`

	// CredentialKey is the keyring item holding the password or token.
	CredentialKey string `mapstructure:"credential_key" yaml:"credential_key"`

	// PollIntervalSec is how often a quick sync runs.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// Folders restricts syncing to the listed server paths. Empty means all.
	Folders []string `mapstructure:"folders" yaml:"folders"`
}

// Login returns the name to authenticate with.
func (a *Account) Login() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}

// Address returns host:port.
func (a *Account) Address() string {
	port := a.Port
	if port == 0 {
		port = 993
		if !a.TLS {
			port = 143
		}
	}
	return fmt.Sprintf("%s:%d", a.Host, port)
}

// CredentialName returns the keyring key of the account's credential.
func (a *Account) CredentialName() string {
	if a.CredentialKey != "" {
		return a.CredentialKey
	}
	return "imapsync." + a.ID
}

// AccountState is what the engine persists about an account between runs.
type AccountState struct {
	AccountID string `db:"account_id"`

	// UnauthCapabilities are the capabilities advertised before login.
	UnauthCapabilities StringList `db:"unauth_capabilities"`

	// AuthCapabilities are the capabilities advertised after login.
	AuthCapabilities StringList `db:"auth_capabilities"`

	// ServerIdentity is the server's ID response, JSON encoded.
	ServerIdentity string `db:"server_identity"`

	// HasSyncedInbox flips to true after the first successful Inbox pass and
	// never flips back.
	HasSyncedInbox bool `db:"has_synced_inbox"`

	UpdatedAt time.Time `db:"updated_at"`
}

// StringList is a []string stored as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scanning string list: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// Equal reports whether both lists hold the same entries, ignoring order and case.
func (l StringList) Equal(other StringList) bool {
	if len(l) != len(other) {
		return false
	}
	seen := make(map[string]int, len(l))
	for _, s := range l {
		seen[strings.ToUpper(s)]++
	}
	for _, s := range other {
		k := strings.ToUpper(s)
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}
