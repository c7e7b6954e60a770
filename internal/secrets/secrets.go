package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// JWTSecretKey is the variable holding the session signing secret.
const JWTSecretKey = "JWT_SECRET_KEY"

// Store resolves secret references. Values are never logged.
type Store interface {
	APIKey(ref string) (string, bool)
	JWTSecret() (string, bool)
}

// EnvStore reads secrets from the process environment, falling back to
// values loaded from dotenv files. The process environment wins.
type EnvStore struct {
	file   map[string]string
	lookup func(string) (string, bool)
}

// NewEnvStore loads the given dotenv files. Missing files are ignored.
func NewEnvStore(files ...string) (*EnvStore, error) {
	merged := make(map[string]string)
	for _, name := range files {
		if strings.TrimSpace(name) == "" {
			continue
		}
		values, err := godotenv.Read(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read dotenv %s: %w", name, err)
		}
		for k, v := range values {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	return &EnvStore{file: merged, lookup: os.LookupEnv}, nil
}

// APIKey resolves an api_key_ref, which names an environment variable.
func (s *EnvStore) APIKey(ref string) (string, bool) {
	return s.get(ref)
}

func (s *EnvStore) JWTSecret() (string, bool) {
	return s.get(JWTSecretKey)
}

func (s *EnvStore) get(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	if v, ok := s.lookup(name); ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	if v, ok := s.file[name]; ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	return "", false
}

// Static is a fixed map of secrets, used by tests and the challenge CLI.
type Static map[string]string

func (s Static) APIKey(ref string) (string, bool) {
	v, ok := s[ref]
	return v, ok && v != ""
}

func (s Static) JWTSecret() (string, bool) {
	return s.APIKey(JWTSecretKey)
}
