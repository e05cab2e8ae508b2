// Package shortname implements QuicR's hierarchical content identifier:
// the 18-byte tuple that names every published chunk and every
// subscription prefix.
package shortname

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Size is the on-wire length of a ShortName in bytes.
const Size = 18

// ShortName is the tuple (resourceID, senderID, sourceID, mediaTime,
// fragmentID). Lexicographic order over the tuple (in this field order)
// defines both retransmit bookkeeping order and FIB prefix matching: a
// subscription at prefix length k matches any name agreeing on the first
// k components, where k counts only resourceID/senderID/sourceID —
// mediaTime and fragmentID are never keyed on by the FIB.
type ShortName struct {
	ResourceID uint64
	SenderID   uint32
	SourceID   uint8
	MediaTime  uint32
	FragmentID uint8
}

// Encode writes the canonical 18-byte little-endian wire form.
func (n ShortName) Encode() [Size]byte {
	var b [Size]byte
	binary.LittleEndian.PutUint64(b[0:8], n.ResourceID)
	binary.LittleEndian.PutUint32(b[8:12], n.SenderID)
	b[12] = n.SourceID
	binary.LittleEndian.PutUint32(b[13:17], n.MediaTime)
	b[17] = n.FragmentID
	return b
}

// Decode parses the canonical 18-byte wire form.
func Decode(b []byte) (ShortName, error) {
	if len(b) != Size {
		return ShortName{}, fmt.Errorf("shortname: want %d bytes, got %d", Size, len(b))
	}
	return ShortName{
		ResourceID: binary.LittleEndian.Uint64(b[0:8]),
		SenderID:   binary.LittleEndian.Uint32(b[8:12]),
		SourceID:   b[12],
		MediaTime:  binary.LittleEndian.Uint32(b[13:17]),
		FragmentID: b[17],
	}, nil
}

// WithoutFragment returns a copy with FragmentID zeroed, used to index
// partial fragment reassembly by "shortName-without-fragmentID".
func (n ShortName) WithoutFragment() ShortName {
	n.FragmentID = 0
	return n
}

// Less reports whether n sorts strictly before other under the tuple's
// lexicographic order (ResourceID, SenderID, SourceID, MediaTime, FragmentID).
func (n ShortName) Less(other ShortName) bool {
	if n.ResourceID != other.ResourceID {
		return n.ResourceID < other.ResourceID
	}
	if n.SenderID != other.SenderID {
		return n.SenderID < other.SenderID
	}
	if n.SourceID != other.SourceID {
		return n.SourceID < other.SourceID
	}
	if n.MediaTime != other.MediaTime {
		return n.MediaTime < other.MediaTime
	}
	return n.FragmentID < other.FragmentID
}

// Prefix is a FIB lookup key over the first 1, 2, or 3 tuple components.
// Depth 0 is not a valid prefix (the FIB never matches the empty prefix).
type Prefix struct {
	Depth      int // 1=resource, 2=+sender, 3=+source
	ResourceID uint64
	SenderID   uint32
	SourceID   uint8
}

// Key returns a string usable as a map key for a FIB indexed by
// prefix, unique per (Depth, fields-at-that-depth).
func (p Prefix) Key() string {
	switch p.Depth {
	case 1:
		return fmt.Sprintf("1/%d", p.ResourceID)
	case 2:
		return fmt.Sprintf("2/%d/%d", p.ResourceID, p.SenderID)
	case 3:
		return fmt.Sprintf("3/%d/%d/%d", p.ResourceID, p.SenderID, p.SourceID)
	default:
		return fmt.Sprintf("?/%d", p.Depth)
	}
}

// Prefixes returns the three successively shorter lookup prefixes for a
// name, longest first: (resource,sender,source), (resource,sender),
// (resource). The relay's publish path tries them in this order and
// concatenates matches.
func (n ShortName) Prefixes() [3]Prefix {
	return [3]Prefix{
		{Depth: 3, ResourceID: n.ResourceID, SenderID: n.SenderID, SourceID: n.SourceID},
		{Depth: 2, ResourceID: n.ResourceID, SenderID: n.SenderID},
		{Depth: 1, ResourceID: n.ResourceID},
	}
}

// MatchesPrefix reports whether name agrees with the prefix's fields up to
// its depth. Used directly by tests validating the FIB ordering invariant
// (common-prefix <=> match is preserved across any a<=b pair).
func (n ShortName) MatchesPrefix(p Prefix) bool {
	if p.Depth >= 1 && n.ResourceID != p.ResourceID {
		return false
	}
	if p.Depth >= 2 && n.SenderID != p.SenderID {
		return false
	}
	if p.Depth >= 3 && n.SourceID != p.SourceID {
		return false
	}
	return true
}

// String renders the canonical string form, "resourceID/senderID/sourceID" with
// optional "@mediaTime" and "#fragmentID" suffixes.
func (n ShortName) String() string {
	s := fmt.Sprintf("%d/%d/%d", n.ResourceID, n.SenderID, n.SourceID)
	if n.MediaTime != 0 {
		s += fmt.Sprintf("@%d", n.MediaTime)
	}
	if n.FragmentID != 0 {
		s += fmt.Sprintf("#%d", n.FragmentID)
	}
	return s
}

// Parse accepts the canonical string form. Trailing @mediaTime and #fragmentID
// fields may be omitted, in which case they default to zero.
func Parse(s string) (ShortName, error) {
	var mediaTime uint64
	var fragmentID uint64
	var err error

	if i := strings.IndexByte(s, '#'); i >= 0 {
		fragmentID, err = strconv.ParseUint(s[i+1:], 10, 8)
		if err != nil {
			return ShortName{}, fmt.Errorf("shortname: bad fragmentID: %w", err)
		}
		s = s[:i]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		mediaTime, err = strconv.ParseUint(s[i+1:], 10, 32)
		if err != nil {
			return ShortName{}, fmt.Errorf("shortname: bad mediaTime: %w", err)
		}
		s = s[:i]
	}

	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ShortName{}, fmt.Errorf("shortname: want resourceID/senderID/sourceID, got %q", s)
	}
	resourceID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return ShortName{}, fmt.Errorf("shortname: bad resourceID: %w", err)
	}
	senderID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ShortName{}, fmt.Errorf("shortname: bad senderID: %w", err)
	}
	sourceID, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return ShortName{}, fmt.Errorf("shortname: bad sourceID: %w", err)
	}

	return ShortName{
		ResourceID: resourceID,
		SenderID:   uint32(senderID),
		SourceID:   uint8(sourceID),
		MediaTime:  uint32(mediaTime),
		FragmentID: uint8(fragmentID),
	}, nil
}
