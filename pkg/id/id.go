package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out monotonic ULIDs. IDs generated within the same
// millisecond stay lexicographically increasing, which keeps position and
// order IDs sortable in the journal.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator returns a Generator seeded with seed. A fixed seed and clock make
// the sequence reproducible in tests.
func NewGenerator(seed int64, now func() time.Time) *Generator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Generator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
		now:     now,
	}
}

// New returns the next ULID string.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		// Only possible if the clock goes backwards past the ULID epoch or
		// the monotonic entropy overflows within one millisecond.
		panic(err)
	}
	return id.String()
}

var std = NewGenerator(cryptoSeed(), nil)

func cryptoSeed() int64 {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return seed
}

// New returns a ULID from the process-wide generator.
func New() string {
	return std.New()
}

// Prefixed returns prefix + "_" + New(), e.g. "pos_01J...".
func Prefixed(prefix string) string {
	return prefix + "_" + std.New()
}
