package model

import "errors"

// ErrorKind tags the error taxonomy a KetchError carries. Names describe
// semantics, not HTTP/transport types, per the engine's error design.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrNetwork
	ErrHttp
	ErrDisk
	ErrUnsupported
	ErrFileChanged
	ErrCorruptResumeState
	ErrAuthenticationFailed
	ErrSourceError
	ErrCanceled
)

// KetchError is the engine's tagged error type. Coordinator, source, and
// store code wrap underlying errors in this type so callers can branch on
// Kind without string matching.
type KetchError struct {
	Kind       ErrorKind
	Message    string
	Code       int    // HTTP status, valid when Kind == ErrHttp
	RetryAfter int    // seconds, valid when Kind == ErrHttp and the server sent a hint
	Remaining  int64  // rate-limit remaining, valid when Kind == ErrHttp
	SourceType string // valid when Kind == ErrSourceError
	Cause      error
}

func (e *KetchError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Kind.String()
}

func (e *KetchError) Unwrap() error { return e.Cause }

func (k ErrorKind) String() string {
	switch k {
	case ErrNetwork:
		return "network error"
	case ErrHttp:
		return "http error"
	case ErrDisk:
		return "disk error"
	case ErrUnsupported:
		return "unsupported"
	case ErrFileChanged:
		return "file changed on server"
	case ErrCorruptResumeState:
		return "corrupt resume state"
	case ErrAuthenticationFailed:
		return "authentication failed"
	case ErrSourceError:
		return "source error"
	case ErrCanceled:
		return "canceled"
	default:
		return "unknown error"
	}
}

// IsRetryable reports whether the coordinator should retry the segment
// that produced this error: Network and Http(5xx)/Http(429) are
// retryable; every other Http code and every other kind is terminal.
func (e *KetchError) IsRetryable() bool {
	switch e.Kind {
	case ErrNetwork:
		return true
	case ErrHttp:
		return e.Code == 429 || (e.Code >= 500 && e.Code < 600)
	default:
		return false
	}
}

func NewNetworkError(cause error) *KetchError {
	return &KetchError{Kind: ErrNetwork, Cause: cause}
}

func NewHttpError(code int, message string, retryAfter int, remaining int64) *KetchError {
	return &KetchError{Kind: ErrHttp, Code: code, Message: message, RetryAfter: retryAfter, Remaining: remaining}
}

func NewDiskError(cause error) *KetchError {
	return &KetchError{Kind: ErrDisk, Cause: cause}
}

func NewUnsupportedError(message string) *KetchError {
	return &KetchError{Kind: ErrUnsupported, Message: message}
}

func NewFileChangedError() *KetchError {
	return &KetchError{Kind: ErrFileChanged, Message: "remote resource changed since partial download"}
}

func NewCorruptResumeStateError(cause error) *KetchError {
	return &KetchError{Kind: ErrCorruptResumeState, Cause: cause}
}

func NewAuthenticationFailedError(message string) *KetchError {
	return &KetchError{Kind: ErrAuthenticationFailed, Message: message}
}

func NewSourceError(sourceType string, cause error) *KetchError {
	return &KetchError{Kind: ErrSourceError, SourceType: sourceType, Cause: cause}
}

func NewCanceledError() *KetchError {
	return &KetchError{Kind: ErrCanceled, Message: "canceled"}
}

// AsKetchError unwraps err into a *KetchError, classifying unrecognized
// errors as ErrUnknown rather than discarding the cause.
func AsKetchError(err error) *KetchError {
	if err == nil {
		return nil
	}
	var ke *KetchError
	if errors.As(err, &ke) {
		return ke
	}
	return &KetchError{Kind: ErrUnknown, Cause: err, Message: err.Error()}
}
