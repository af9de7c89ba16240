package registration

import "time"

// ResponseStatus classifies the network outcome of a registration fetch.
type ResponseStatus int

// Response statuses.
const (
	ResponseUnknown ResponseStatus = iota
	ResponseSuccess
	ResponseServerUnavailable
	ResponseNetworkError
	ResponseInvalidURL
)

func (s ResponseStatus) String() string {
	switch s {
	case ResponseSuccess:
		return "success"
	case ResponseServerUnavailable:
		return "server_unavailable"
	case ResponseNetworkError:
		return "network_error"
	case ResponseInvalidURL:
		return "invalid_url"
	default:
		return "unknown"
	}
}

// EntityStatus classifies the parse/validation outcome of a fetched entity.
type EntityStatus int

// Entity statuses.
const (
	EntityUnknown EntityStatus = iota
	EntitySuccess
	EntityHeaderMissing
	EntityHeaderError
	EntityParsingError
	EntityValidationError
	EntityInvalidEnrollment
	EntityStorageError
)

func (s EntityStatus) String() string {
	switch s {
	case EntitySuccess:
		return "success"
	case EntityHeaderMissing:
		return "header_missing"
	case EntityHeaderError:
		return "header_error"
	case EntityParsingError:
		return "parsing_error"
	case EntityValidationError:
		return "validation_error"
	case EntityInvalidEnrollment:
		return "invalid_enrollment"
	case EntityStorageError:
		return "storage_error"
	default:
		return "unknown"
	}
}

// FetchStatus is the mutable outcome record for one fetch.
type FetchStatus struct {
	ResponseStatus    ResponseStatus
	EntityStatus      EntityStatus
	ResponseSize      int64
	RegistrationDelay time.Duration
	RedirectError     bool
}

// IsRequestSuccess reports whether the remote server answered with a usable response.
func (s FetchStatus) IsRequestSuccess() bool {
	return s.ResponseStatus == ResponseSuccess
}

// CanRetry reports whether the failure is transient.
func (s FetchStatus) CanRetry() bool {
	return s.ResponseStatus == ResponseNetworkError || s.ResponseStatus == ResponseServerUnavailable
}
