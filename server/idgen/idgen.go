// Package idgen generates short, sortable session identifiers for logs.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"sync/atomic"
	"time"
)

// IDLength is the length of the identifiers returned by New.
const IDLength = 16

var (
	sequence atomic.Uint32

	// Crockford-style alphabet without padding; sorts like the binary form.
	encoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)
)

// New returns a 16 character identifier built from
//   - 4 bytes: seconds since epoch
//   - 2 bytes: process-wide sequence number
//   - 4 bytes: random data
//
// Identifiers created within the same second sort by creation order until
// the sequence wraps.
func New() string {
	var id [10]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint16(id[4:6], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[6:10]); err != nil {
		binary.BigEndian.PutUint32(id[6:10], uint32(time.Now().UnixNano()))
	}
	return encoding.EncodeToString(id[:])
}

// Time extracts the creation time (second precision) from an identifier.
func Time(id string) (time.Time, bool) {
	if len(id) != IDLength {
		return time.Time{}, false
	}
	raw, err := encoding.DecodeString(id)
	if err != nil || len(raw) != 10 {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint32(raw[0:4])), 0), true
}
