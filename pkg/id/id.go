// Package id issues time-ordered identifiers for append-only records.
package id

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptorand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	entropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewAt returns a ULID for t. IDs issued for the same millisecond still sort
// in issue order.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t.UTC()), entropy).String()
}

// New returns a ULID for the current time.
func New() string {
	return NewAt(time.Now())
}

// Time extracts the timestamp encoded in a ULID string.
func Time(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
