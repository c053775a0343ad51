// Package auth handles user login and internal service authentication.
//
// Users live in a JSON file mapping username to the hex SHA-256 of the
// password. Internal services authenticate with the shared token, and
// may impersonate a user by sending "TOKEN:username" as the token value.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Authenticator validates user credentials and internal tokens.
type Authenticator struct {
	internalToken string

	mu    sync.RWMutex
	path  string
	users map[string]string // username -> sha256 hex of password
}

// New loads the users file. A missing file means no users yet.
func New(usersFile, internalToken string) (*Authenticator, error) {
	a := &Authenticator{
		internalToken: internalToken,
		path:          usersFile,
		users:         make(map[string]string),
	}
	data, err := os.ReadFile(usersFile)
	if os.IsNotExist(err) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	if err := json.Unmarshal(data, &a.users); err != nil {
		return nil, fmt.Errorf("parse users file %s: %w", usersFile, err)
	}
	return a, nil
}

// HashPassword returns the hex SHA-256 digest stored in the users file.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Login checks a username/password pair.
func (a *Authenticator) Login(username, password string) bool {
	a.mu.RLock()
	stored, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	got := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(got)) == 1
}

// AddUser registers a user and persists the file. Existing users are
// overwritten.
func (a *Authenticator) AddUser(username, password string) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[username] = HashPassword(password)
	data, err := json.MarshalIndent(a.users, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(a.path, data, 0o600)
}

// CheckInternal validates a service-to-service token.
func (a *Authenticator) CheckInternal(token string) bool {
	return a.internalToken != "" &&
		subtle.ConstantTimeCompare([]byte(a.internalToken), []byte(token)) == 1
}

// Impersonated parses an internal token of the form "TOKEN:username"
// and returns the impersonated user. A bare valid token returns ok with
// an empty username.
func (a *Authenticator) Impersonated(token string) (username string, ok bool) {
	if a.CheckInternal(token) {
		return "", true
	}
	token, user, found := cutToken(token)
	if !found {
		return "", false
	}
	if !a.CheckInternal(token) {
		return "", false
	}
	return user, true
}

func cutToken(s string) (token, user string, ok bool) {
	i := strings.Index(s, ":")
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], s[i+1:] != ""
}
