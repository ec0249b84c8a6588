// Package auth loads the opaque session credential used by the send gateway
// and the push channel. Token issuance is an external collaborator; this
// package only consumes the credential.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// EnvToken is the environment variable checked before the credentials file.
const EnvToken = "ORDERTALK_TOKEN"

// ErrNoCredential is returned when neither the environment nor the
// credentials file provide a token. The channel manager treats a missing
// credential as "do not connect", not as a failure.
var ErrNoCredential = errors.New("no credential available")

// Credential is the opaque bearer token for one client session.
type Credential struct {
	AccessToken string `json:"access_token"`
}

// CredentialsPath returns the default credentials file location.
func CredentialsPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ordertalk", "credentials.json")
}

// Load reads the credential from the environment, falling back to the
// credentials file.
func Load() (*Credential, error) {
	if tok := os.Getenv(EnvToken); tok != "" {
		return &Credential{AccessToken: tok}, nil
	}

	data, err := os.ReadFile(CredentialsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if cred.AccessToken == "" {
		return nil, ErrNoCredential
	}
	return &cred, nil
}

// Save writes the credential to the credentials file.
func Save(cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}

	path := CredentialsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// TokenSource adapts the credential for clients that authenticate through
// an oauth2.TokenSource.
func (c *Credential) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken})
}
