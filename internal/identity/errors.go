package identity

import "errors"

// Sentinel errors for the identity package.
var (
	// ErrSignatureInvalid is returned for every request verification
	// failure: bad encoding, unparseable or out-of-window timestamp, or a
	// signature that does not verify. The failure modes are deliberately
	// indistinguishable to callers.
	ErrSignatureInvalid = errors.New("identity: invalid signature")
)
