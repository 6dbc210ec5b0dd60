package errors

import "net/http"

// ErrorCode identifies a failure class in API envelopes and status files.
//
// Ranges:
//
//	10000-10999 common (storage 101xx, locks 102xx, validation 103xx)
//	13000-13099 jobs
//	13100-13199 execution environments
//	13200-13299 runtime parameters
//	13300-13399 external analyzer and simulator tools
type ErrorCode int

const (
	Success ErrorCode = 10000

	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	ServiceUnavailable  ErrorCode = 10007

	StorageError        ErrorCode = 10100
	CorruptRecord       ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102

	LockFailed ErrorCode = 10203

	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	JobNotFound            ErrorCode = 13000
	JobResultNotReady      ErrorCode = 13001
	InvalidUpload          ErrorCode = 13002
	UnsupportedVersion     ErrorCode = 13003
	MissingVersionMetadata ErrorCode = 13004

	ProvisioningFailed ErrorCode = 13100

	MultipleCsvParameters ErrorCode = 13200

	ExternalToolTimeout ErrorCode = 13300
	ExternalToolError   ErrorCode = 13301

	UnexpectedError ErrorCode = 13900
)

type codeInfo struct {
	message string
	status  int
}

var catalog = map[ErrorCode]codeInfo{
	Success:             {"Success", http.StatusOK},
	InternalServerError: {"Internal server error", http.StatusInternalServerError},
	InvalidParams:       {"Invalid parameters", http.StatusBadRequest},
	ServiceUnavailable:  {"Service temporarily unavailable", http.StatusServiceUnavailable},

	StorageError:        {"Storage operation failed", http.StatusInternalServerError},
	CorruptRecord:       {"Stored record is corrupt", http.StatusInternalServerError},
	RecordAlreadyExists: {"Record already exists", http.StatusConflict},

	LockFailed: {"Failed to acquire lock", http.StatusServiceUnavailable},

	ValidationFailed:   {"Validation failed", http.StatusBadRequest},
	InvalidFormat:      {"Invalid format", http.StatusBadRequest},
	InvalidValue:       {"Invalid value", http.StatusBadRequest},
	RequiredFieldEmpty: {"Required field is empty", http.StatusBadRequest},

	JobNotFound:        {"Job not found", http.StatusNotFound},
	JobResultNotReady:  {"Job result is not available yet", http.StatusBadRequest},
	InvalidUpload:      {"Invalid upload", http.StatusBadRequest},
	UnsupportedVersion: {"Unsupported robot server version", http.StatusBadRequest},
	MissingVersionMetadata: {
		"Job metadata missing robot_version. This job may have been created before version support was added.",
		http.StatusInternalServerError,
	},

	ProvisioningFailed: {"Failed to provision execution environment", http.StatusInternalServerError},

	MultipleCsvParameters: {"Only one CSV File parameter can be defined per protocol.", http.StatusBadRequest},

	ExternalToolTimeout: {"External tool timed out", http.StatusGatewayTimeout},
	ExternalToolError:   {"External tool could not be run", http.StatusInternalServerError},

	UnexpectedError: {"Unexpected error", http.StatusInternalServerError},
}

// Message returns the default message for c.
func (c ErrorCode) Message() string {
	if info, ok := catalog[c]; ok {
		return info.message
	}
	return "Unknown error"
}

// HTTPStatus maps c to a response status; unknown codes are 500.
func (c ErrorCode) HTTPStatus() int {
	if info, ok := catalog[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}
