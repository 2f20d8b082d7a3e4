package platform

import "errors"

// Sentinel errors for the failure taxonomy of outbound platform calls.
// Callers match with errors.Is; adapters wrap them with request detail.
var (
	// ErrNetwork covers connection failures and non-2xx responses.
	ErrNetwork = errors.New("network error")

	// ErrTimeout means the per-call deadline elapsed before a result arrived.
	ErrTimeout = errors.New("timeout")

	// ErrMalformed means the remote body did not match the expected shape.
	ErrMalformed = errors.New("malformed response")

	// ErrUnsupportedPlatform means no adapter is registered for the key.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)
