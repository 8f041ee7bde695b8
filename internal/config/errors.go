package config

import "fmt"

// Error reports invalid configuration or run arguments. Callers map it to
// HTTP 400 and CLI exit code 2.
type Error struct {
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }
