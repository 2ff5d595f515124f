package license

import "errors"

// Terminal rejection reasons of the authorization engine. None of them
// is retryable; the client needs a new or corrected credential.
var (
	// ErrMissingParameters means the connect request lacked game,
	// user_key or serial.
	ErrMissingParameters = errors.New("missing parameters")

	// ErrInvalidKey means the license key resolves to no owner.
	ErrInvalidKey = errors.New("invalid or unknown key")

	// ErrAccessDenied means no active access key admits the owner.
	ErrAccessDenied = errors.New("access denied")

	// ErrAccessExpired is the diagnostic flavour of ErrAccessDenied:
	// an access key names the owner but every such key has expired.
	ErrAccessExpired = errors.New("access key expired")

	// ErrOwnerBlocked means the owner appears only in the blocked
	// access-key partition.
	ErrOwnerBlocked = errors.New("owner blocked")

	// ErrKeyBlocked means the credential itself carries blocked=true.
	ErrKeyBlocked = errors.New("key blocked")

	// ErrKeyExpired means the credential's expiry lies in the past.
	ErrKeyExpired = errors.New("key expired")

	// ErrDeviceLimitReached means the device set is at capacity and
	// the requesting device is not a member.
	ErrDeviceLimitReached = errors.New("device limit reached")

	// ErrMalformedExpiry means the store holds an unparseable expiry
	// stamp. This is a server-side fault, not a client denial.
	ErrMalformedExpiry = errors.New("malformed expiry timestamp")

	// ErrNotFound is returned by administrative operations targeting a
	// key that does not exist. No side effects occur.
	ErrNotFound = errors.New("key not found")

	// ErrDuplicateKey is returned when issuing a key whose string
	// already exists in the target collection.
	ErrDuplicateKey = errors.New("key already exists")
)
