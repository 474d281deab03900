package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"minhash-go/internal/minhash"
)

// Epoch is where FixedClock starts, so trash written by tests lands under
// {trash_dir}/2024.
var Epoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// StubClock is a minhash.Clock that only moves when told to.
type StubClock struct {
	nanos atomic.Int64
}

var _ minhash.Clock = (*StubClock)(nil)

func NewStubClock(t time.Time) *StubClock {
	c := &StubClock{}
	c.Set(t)
	return c
}

func FixedClock() *StubClock { return NewStubClock(Epoch) }

func (c *StubClock) Now() time.Time          { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *StubClock) Set(t time.Time)         { c.nanos.Store(t.UnixNano()) }
func (c *StubClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

// StubIDGenerator hands out "id-1", "id-2", ... in call order.
type StubIDGenerator struct {
	n atomic.Int64
}

var _ minhash.IDGenerator = (*StubIDGenerator)(nil)

func NewStubIDGenerator() *StubIDGenerator { return &StubIDGenerator{} }

func (g *StubIDGenerator) New() string { return "id-" + strconv.FormatInt(g.n.Add(1), 10) }

// SHA256Hex is the file checksum the store would assign to data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
