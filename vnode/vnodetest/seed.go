package vnodetest

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flipsession/vsession/vflip"
	"github.com/flipsession/vsession/vstate"
	"golang.org/x/crypto/sha3"
)

// SampleContent returns deterministic four-picture flip content for seed.
func SampleContent(seed int) vstate.Content {
	pics := make([][]byte, 4)
	for i := range pics {
		pics[i] = []byte(fmt.Sprintf("picture %d of flip %d", i, seed))
	}
	return vstate.Content{
		Pics: pics,
		Orders: [][]int{
			{0, 1, 2, 3},
			{(seed + 3) % 4, (seed + 2) % 4, (seed + 1) % 4, seed % 4},
		},
	}
}

// SampleFlip returns a flip holding [SampleContent] for seed,
// whose hash is the Keccak-256 digest of the encoded content.
func SampleFlip(seed int) FakeFlip {
	hex, err := vflip.Encode(SampleContent(seed))
	if err != nil {
		panic(fmt.Errorf("BUG: failed to encode sample flip: %w", err))
	}
	return FakeFlip{
		Hash:  Hash([]byte(hex)),
		Hex:   hex,
		Words: []int{seed % 3300, (seed * 7) % 3300},
	}
}

// Hash returns the 0x-prefixed Keccak-256 digest of b.
func Hash(b []byte) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	return hexutil.Encode(h.Sum(nil))
}

// Seed adds regular flips and extra flips to session k,
// numbering seeds from first, and returns the added flips.
// Readiness is left to the caller.
func (n *Node) Seed(k vstate.Kind, first, regular, extra int) []FakeFlip {
	out := make([]FakeFlip, 0, regular+extra)
	for i := range regular + extra {
		f := SampleFlip(first + i)
		f.Extra = i >= regular
		n.AddFlip(k, f)
		out = append(out, f)
	}
	return out
}
