// Package relay implements the forwarding side of the protocol: a
// prefix-keyed subscriber table (the FIB), per-peer connection and
// cookie state, and the single-threaded process loop that ties them
// together.
package relay

import (
	"net"
	"sync"

	"quicr/shortname"
)

// SubscriberInfo identifies one subscriber registered at a given
// ShortName prefix depth.
type SubscriberInfo struct {
	Addr net.Addr
	Depth uint8
}

// FIB is the forwarding information base: for each encoded prefix, the
// list of subscribers that should receive a matching packet. One prefix
// key maps to many subscribers.
type FIB struct {
	mu      sync.RWMutex
	entries map[string][]SubscriberInfo
}

// NewFIB builds an empty FIB.
func NewFIB() *FIB {
	return &FIB{entries: make(map[string][]SubscriberInfo)}
}

// Subscribe registers sub at name's prefix of the given depth. Inserting
// the same (prefix, addr) pair twice is a no-op — the relay's own
// idempotent counterpart to Subscribe.Subscribe's client-side dedup.
func (f *FIB) Subscribe(name shortname.ShortName, depth uint8, sub SubscriberInfo) {
	key := prefixKey(name, depth)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.entries[key] {
		if sameAddr(existing.Addr, sub.Addr) {
			return
		}
	}
	f.entries[key] = append(f.entries[key], sub)
}

// Unsubscribe removes sub.Addr from name's prefix at depth, if present.
func (f *FIB) Unsubscribe(name shortname.ShortName, depth uint8, addr net.Addr) {
	key := prefixKey(name, depth)
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.entries[key]
	for i, existing := range subs {
		if sameAddr(existing.Addr, addr) {
			f.entries[key] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Match returns every subscriber whose registered prefix covers name,
// across all three depths: a depth-1 subscriber sees every sender and
// source for that resource.
func (f *FIB) Match(name shortname.ShortName) []SubscriberInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := make(map[string]bool)
	var out []SubscriberInfo
	for _, p := range name.Prefixes() {
		for _, sub := range f.entries[p.Key()] {
			k := sub.Addr.String()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, sub)
		}
	}
	return out
}

// GC drops every subscriber entry whose face is no longer an admitted
// connection (e.g. its handshake state was never refreshed and the peer
// is presumed gone) and prunes prefixes left with no subscribers.
func (f *FIB) GC(conns *ConnTable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, subs := range f.entries {
		kept := subs[:0]
		for _, sub := range subs {
			if _, ok := conns.Get(sub.Addr); ok {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(f.entries, key)
		} else {
			f.entries[key] = kept
		}
	}
}

func prefixKey(name shortname.ShortName, depth uint8) string {
	prefixes := name.Prefixes() // [depth3, depth2, depth1]
	idx := 3 - int(depth)
	if idx < 0 || idx > 2 {
		idx = 2
	}
	return prefixes[idx].Key()
}

func sameAddr(a, b net.Addr) bool {
	return a != nil && b != nil && a.String() == b.String()
}
