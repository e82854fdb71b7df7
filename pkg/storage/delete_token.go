package storage

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// deleteTokenTTL bounds how long a minted delete token remains valid,
// so a token requested and then forgotten cannot be replayed much later.
const deleteTokenTTL = 5 * time.Minute

// DeleteTokenIssuer gates DeleteAll behind a caller-obtained, single-use
// token instead of a hardcoded constant: RequestDeleteToken mints a
// fresh random value, and the next DeleteAll call must present that
// exact value before it expires. A constant string offers no real
// protection, since any caller can hardcode it too; embedding one of
// these in an Adapter means only a prior RequestDeleteToken call against
// that same adapter instance ever produces a value DeleteAll accepts.
type DeleteTokenIssuer struct {
	mu      sync.Mutex
	token   string
	expires time.Time
}

// Issue mints a fresh token, discarding any token issued earlier.
func (d *DeleteTokenIssuer) Issue() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	d.mu.Lock()
	d.token = token
	d.expires = time.Now().Add(deleteTokenTTL)
	d.mu.Unlock()
	return token, nil
}

// Validate consumes the currently pending token if candidate matches it
// and it has not expired. The pending token is cleared either way, so a
// token is usable at most once regardless of outcome.
func (d *DeleteTokenIssuer) Validate(candidate string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ok := candidate != "" && candidate == d.token && time.Now().Before(d.expires)
	d.token = ""
	d.expires = time.Time{}
	return ok
}
