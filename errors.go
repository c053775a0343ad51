package minitime

import (
	"errors"
	"fmt"
)

// ErrLLM reports a failure talking to a model provider.
type ErrLLM struct {
	Provider string
	Message  string
	Err      error
}

func (e *ErrLLM) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Message)
}

func (e *ErrLLM) Unwrap() error { return e.Err }

// ErrHTTP reports a non-2xx response from an upstream HTTP API.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Sentinel errors shared across packages.
var (
	// ErrAuth is returned when credentials or tokens do not check out.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound is returned when a thread, task, topic or expert
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCancelled is returned when a turn was terminated by the user.
	ErrCancelled = errors.New("cancelled by user")
)
