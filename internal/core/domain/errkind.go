package domain

// ErrorKind classifies any operational failure for retry and notification decisions.
type ErrorKind string

const (
	ErrorKindNone                    ErrorKind = ""
	ErrorKindNetwork                 ErrorKind = "network_error"
	ErrorKindTimeout                 ErrorKind = "timeout"
	ErrorKindServiceUnavailable      ErrorKind = "service_unavailable"
	ErrorKindQuotaExceeded           ErrorKind = "quota_exceeded"
	ErrorKindInvalidCredentials      ErrorKind = "invalid_credentials"
	ErrorKindInsufficientPermissions ErrorKind = "insufficient_permissions"
	ErrorKindTokenExpired            ErrorKind = "token_expired"
	ErrorKindInvalidRefreshToken     ErrorKind = "invalid_refresh_token"
	ErrorKindFileNotFound            ErrorKind = "file_not_found"
	ErrorKindFileTooLarge            ErrorKind = "file_too_large"
	ErrorKindInvalidFileType         ErrorKind = "invalid_file_type"
	ErrorKindFeatureNotSupported     ErrorKind = "feature_not_supported"
	ErrorKindProviderNotConfigured   ErrorKind = "provider_not_configured"
	ErrorKindUnknown                 ErrorKind = "unknown"
)

// ErrorKinds lists every member of the closed taxonomy.
var ErrorKinds = []ErrorKind{
	ErrorKindNetwork,
	ErrorKindTimeout,
	ErrorKindServiceUnavailable,
	ErrorKindQuotaExceeded,
	ErrorKindInvalidCredentials,
	ErrorKindInsufficientPermissions,
	ErrorKindTokenExpired,
	ErrorKindInvalidRefreshToken,
	ErrorKindFileNotFound,
	ErrorKindFileTooLarge,
	ErrorKindInvalidFileType,
	ErrorKindFeatureNotSupported,
	ErrorKindProviderNotConfigured,
	ErrorKindUnknown,
}

// Valid reports whether k is a member of the taxonomy. The empty kind is not.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindNetwork, ErrorKindTimeout, ErrorKindServiceUnavailable,
		ErrorKindQuotaExceeded, ErrorKindInvalidCredentials, ErrorKindInsufficientPermissions,
		ErrorKindTokenExpired, ErrorKindInvalidRefreshToken, ErrorKindFileNotFound,
		ErrorKindFileTooLarge, ErrorKindInvalidFileType, ErrorKindFeatureNotSupported,
		ErrorKindProviderNotConfigured, ErrorKindUnknown:
		return true
	}
	return false
}

// ParseErrorKind maps a stored string back to a kind; unrecognised values become unknown.
func ParseErrorKind(s string) ErrorKind {
	if s == "" {
		return ErrorKindNone
	}
	k := ErrorKind(s)
	if !k.Valid() {
		return ErrorKindUnknown
	}
	return k
}

func (k ErrorKind) String() string {
	return string(k)
}
