package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator hands out collision resistant identifiers.
type Generator interface {
	New() string
}

// NewGenerator selects a generator by scheme name. Unknown names fall back to ULID.
func NewGenerator(scheme string) Generator {
	switch strings.ToLower(scheme) {
	case "uuid":
		return NewUUID()
	default:
		return NewULID()
	}
}

// ULID produces time sortable identifiers. IDs minted within the same
// millisecond stay lexicographically increasing.
type ULID struct {
	mu   sync.Mutex
	mono io.Reader
}

func NewULID() *ULID {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &ULID{mono: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)}
}

func (g *ULID) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), g.mono)
	if err != nil {
		// Only possible if the clock runs backwards past the entropy window.
		return uuid.NewString()
	}
	return id.String()
}

// UUID produces random 128-bit identifiers.
type UUID struct{}

func NewUUID() UUID { return UUID{} }

func (UUID) New() string { return uuid.NewString() }
