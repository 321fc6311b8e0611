package models

// FailureKind distinguishes "no response at all" from "the backend said no".
type FailureKind string

const (
	// FailureConnectivity means no HTTP response was received (transport
	// error, timeout, refused connection).
	FailureConnectivity FailureKind = "connectivity"
	// FailureApplication means the backend answered with a non-2xx status.
	FailureApplication FailureKind = "application"
)

// Failure is the tagged result of any backend call that did not succeed.
// It is the only failure shape that crosses the API client boundary.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) IsConnectivity() bool {
	return f != nil && f.Kind == FailureConnectivity
}

func NewConnectivityFailure(message string) *Failure {
	return &Failure{Kind: FailureConnectivity, Message: message}
}

func NewApplicationFailure(message string) *Failure {
	return &Failure{Kind: FailureApplication, Message: message}
}
