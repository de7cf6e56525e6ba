package federation

import "errors"

// Error kinds surfaced by the federation core. Callers branch with
// errors.Is; HTTP handlers map them to status codes (403, 401, 400).
var (
	ErrBlocked             = errors.New("blocked by moderation policy")
	ErrSignatureInvalid    = errors.New("http signature invalid")
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrFetchFailed         = errors.New("remote fetch failed")
	ErrNotFound            = errors.New("remote object not found")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrFeedInvalid         = errors.New("feed invalid")
)
