package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rxtech-lab/argo-ledger/pkg/errors"
)

// Generator produces ULIDs. IDs generated within the same millisecond stay lexicographically
// increasing.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewGenerator seeds the generator from crypto/rand.
func NewGenerator() *Generator {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return NewGeneratorWithSeed(seed)
}

// NewGeneratorWithSeed returns a generator whose ids are reproducible for a given seed and clock.
func NewGeneratorWithSeed(seed int64) *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)}
}

// New returns a ULID string stamped with at.
func (g *Generator) New(at time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(at.UTC()), g.entropy)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidParameter, "failed to generate ulid", err)
	}

	return id.String(), nil
}
