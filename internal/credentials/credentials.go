package credentials

import (
	"fmt"
	"os"
	"strings"
)

// Credentials holds the secrets a backend may need: a Google service
// account key for the JSON API, and HMAC keys for S3-compatible access.
type Credentials struct {
	ServiceAccountJSON []byte

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewCredentials creates a new credentials instance
func NewCredentials() *Credentials {
	return &Credentials{}
}

// LoadServiceAccountFile reads a service account key file
func (c *Credentials) LoadServiceAccountFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read service account file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("service account file %s is empty", path)
	}
	c.ServiceAccountJSON = data
	return nil
}

// LoadServiceAccountFromEnvironment reads the key file named by
// GOOGLE_APPLICATION_CREDENTIALS. It returns false when the variable is unset.
func (c *Credentials) LoadServiceAccountFromEnvironment() (bool, error) {
	path := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	if path == "" {
		return false, nil
	}
	return true, c.LoadServiceAccountFile(path)
}

// HasServiceAccount reports whether a service account key was loaded
func (c *Credentials) HasServiceAccount() bool {
	return len(c.ServiceAccountJSON) > 0
}

// LoadFromPasswdFile loads HMAC keys from a passwd file in format ACCESS_KEY:SECRET_KEY
func (c *Credentials) LoadFromPasswdFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read passwd file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	parts := strings.Split(content, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid passwd file format, expected ACCESS_KEY:SECRET_KEY")
	}

	c.AccessKeyID = strings.TrimSpace(parts[0])
	c.SecretAccessKey = strings.TrimSpace(parts[1])

	return nil
}

// LoadFromEnvironment loads HMAC keys from environment variables
func (c *Credentials) LoadFromEnvironment() error {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	sessionToken := os.Getenv("AWS_SESSION_TOKEN")

	if accessKey == "" || secretKey == "" {
		return fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}

	c.AccessKeyID = accessKey
	c.SecretAccessKey = secretKey
	c.SessionToken = sessionToken

	return nil
}

// IsValid checks if HMAC credentials are complete (both access key and secret are set)
func (c *Credentials) IsValid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}
