package common

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/dop251/goja"
)

// NewRandSource returns a Math.random source seeded from crypto/rand. It is
// not safe for concurrent use, like the runtime it is installed in.
func NewRandSource() goja.RandSource {
	var seed int64
	if err := binary.Read(crand.Reader, binary.LittleEndian, &seed); err != nil {
		panic(fmt.Errorf("reading the random seed: %w", err))
	}
	return rand.New(rand.NewSource(seed)).Float64 //nolint:gosec
}
