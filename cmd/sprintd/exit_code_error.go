package main

// ExitCodeError wraps an error with the process exit code scripts depend on.
// The supervisor contract reserves 2 (hard stop / config), 3 (malformed
// sprint data), 4 (transient), 5 (regen exhausted), and 6 (regen handoff).
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func exitCode(code int, err error) error {
	return &ExitCodeError{Code: code, Err: err}
}
