package relay

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
)

// defaultCookieTTL bounds how long an issued cookie remains valid for the
// retry round-trip.
const defaultCookieTTL = 10 * time.Second

// CookieTable issues and validates handshake cookies. A cookie proves
// the requesting address echoed back a value the relay handed it,
// without the relay committing any per-peer state until the echo
// arrives ("admission without pre-commitment").
type CookieTable struct {
	c *cache.Cache
}

// NewCookieTable builds a CookieTable whose entries expire after ttl.
func NewCookieTable(ttl time.Duration) *CookieTable {
	if ttl <= 0 {
		ttl = defaultCookieTTL
	}
	return &CookieTable{c: cache.New(ttl, ttl/2)}
}

// Issue mints a fresh cookie bound to addr and remembers it until it
// expires or is validated.
func (ct *CookieTable) Issue(addr net.Addr) uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	cookie := binary.LittleEndian.Uint64(b[:])
	ct.c.SetDefault(cookieKey(cookie), addr.String())
	return cookie
}

// Validate reports whether cookie was issued to addr and has not yet
// expired. A valid cookie is consumed (single use) so a captured handshake
// cannot be replayed to forge a second connection.
func (ct *CookieTable) Validate(cookie uint64, addr net.Addr) bool {
	key := cookieKey(cookie)
	v, ok := ct.c.Get(key)
	if !ok {
		return false
	}
	ct.c.Delete(key)
	return v.(string) == addr.String()
}

func cookieKey(cookie uint64) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], cookie)
	return string(b[:])
}
