package credentials

import (
	"fmt"
	"os"
)

// Environment variables read by EnvStore.
const (
	EnvAccessToken       = "DBSDK_ACCESS_TOKEN"
	EnvAccessTokenSecret = "DBSDK_ACCESS_TOKEN_SECRET"
	EnvUserID            = "DBSDK_USER_ID"
)

// EnvStore exposes a single, read-only record taken from the environment.
type EnvStore struct{}

func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

func (e *EnvStore) userID() string {
	if id := os.Getenv(EnvUserID); id != "" {
		return id
	}
	return "env"
}

func (e *EnvStore) Load(userID string) (*Record, error) {
	if userID != e.userID() {
		return nil, ErrNotFound
	}
	rec := &Record{
		AccessToken:       os.Getenv(EnvAccessToken),
		AccessTokenSecret: os.Getenv(EnvAccessTokenSecret),
	}
	if !rec.Valid() {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Save is a no-op: environment credentials are managed outside the process.
func (e *EnvStore) Save(userID string, rec *Record) error {
	return nil
}

func (e *EnvStore) Remove(userID string) error {
	return fmt.Errorf("environment credentials cannot be removed, unset %s", EnvAccessToken)
}

func (e *EnvStore) List() ([]string, error) {
	if os.Getenv(EnvAccessToken) == "" || os.Getenv(EnvAccessTokenSecret) == "" {
		return nil, nil
	}
	return []string{e.userID()}, nil
}
