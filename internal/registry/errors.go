package registry

import "fmt"

// TransportError wraps a network-level failure reaching the registry.
// The registry was never able to answer; nothing can be concluded about
// the agent or the request.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("registry: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RegistryError is a structured error response from the registry.
type RegistryError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RegistryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("registry: %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("registry: status %d: %s", e.StatusCode, e.Message)
}

// RegistrationError is a rejected registration. Detail carries the
// registry's reason verbatim so the operator sees exactly what the
// authority said.
type RegistrationError struct {
	StatusCode int
	Detail     string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registry: registration rejected (status %d): %s", e.StatusCode, e.Detail)
}

// VerificationError is a failed or refused identity verification.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return "registry: verification failed: " + e.Reason
}
