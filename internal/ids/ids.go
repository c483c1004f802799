// Package ids generates time-ordered unique identifiers for analyses and captured traffic
package ids

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Category selects the identifier space an ID is minted for
type Category uint8

const (
	Analysis Category = iota
	Request
	Response
	Nonce
)

const (
	categoryBits = 5
	nodeBits     = 5
	sequenceBits = 12

	maxCategory = 1<<categoryBits - 1
	maxNode     = 1<<nodeBits - 1
	maxSequence = 1<<sequenceBits - 1

	nodeShift     = sequenceBits
	categoryShift = sequenceBits + nodeBits
	timeShift     = sequenceBits + nodeBits + categoryBits
)

// Epoch is the reference instant for the timestamp component (2023-01-01T00:00:00Z)
var Epoch = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator mints snowflake identifiers: milliseconds since Epoch, category, node and a
// per-millisecond sequence. It is safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	node     int64
	lastMs   int64
	sequence int64
	now      func() time.Time
}

// NewGenerator creates a generator for the given node number (masked to 5 bits)
func NewGenerator(node int) *Generator {
	return &Generator{
		node: int64(node) & maxNode,
		now:  time.Now,
	}
}

// Next returns a single identifier
func (g *Generator) Next(category Category) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mint(category)
}

// NextBatch returns n distinct identifiers minted under one lock, so they are
// contiguous in the generator's sequence
func (g *Generator) NextBatch(category Category, n int) []string {
	if n <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	batch := make([]string, n)
	for i := range batch {
		batch[i] = g.mint(category)
	}
	return batch
}

// Compound joins a batch of n identifiers into a single token
func (g *Generator) Compound(category Category, n int) string {
	return strings.Join(g.NextBatch(category, n), "-")
}

// mint must be called with g.mu held
func (g *Generator) mint(category Category) string {
	ms := g.now().Sub(Epoch).Milliseconds()
	if ms < g.lastMs {
		// clock moved backwards; keep issuing from the last timestamp
		ms = g.lastMs
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ms <= g.lastMs {
				time.Sleep(time.Millisecond / 10)
				ms = g.now().Sub(Epoch).Milliseconds()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	id := ms<<timeShift |
		int64(category&maxCategory)<<categoryShift |
		g.node<<nodeShift |
		g.sequence
	return strconv.FormatInt(id, 10)
}

// Timestamp extracts the minting time from an identifier
func Timestamp(id string) (time.Time, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return Epoch.Add(time.Duration(v>>timeShift) * time.Millisecond), nil
}
