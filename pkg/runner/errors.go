package runner

// TransportError represents a failure to reach or use the remote host.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates if the error is temporary and can be retried.
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
