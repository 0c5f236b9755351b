package capture

// ErrorKind classifies platform error codes.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorPermissionDenied
	ErrorTransportAborted
	ErrorNoSpeech
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorPermissionDenied:
		return "permission_denied"
	case ErrorTransportAborted:
		return "transport_aborted"
	case ErrorNoSpeech:
		return "no_speech"
	default:
		return "unknown"
	}
}

// Terminal reports whether the error ends listening without a restart.
func (k ErrorKind) Terminal() bool {
	return k != ErrorNoSpeech
}

// ClassifyError maps a platform error code onto an ErrorKind.
func ClassifyError(code string) ErrorKind {
	switch code {
	case "not-allowed", "service-not-allowed":
		return ErrorPermissionDenied
	case "aborted", "network":
		return ErrorTransportAborted
	case "no-speech":
		return ErrorNoSpeech
	default:
		return ErrorUnknown
	}
}
