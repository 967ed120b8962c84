package auth

import "errors"

// ErrInvalidToken covers every admin token failure: bad signature, wrong
// issuer, expired, malformed. Callers get no detail beyond "invalid".
var ErrInvalidToken = errors.New("auth: invalid token")
