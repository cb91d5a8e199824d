package vflip

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/flipsession/vsession/vstate"
)

// encodedFlip is the RLP layout of flip content.
// Orders hold one byte string per position; the empty string is index 0.
type encodedFlip struct {
	Pics   [][]byte
	Orders [][][]byte

	// Later protocol versions append fields we do not use.
	Rest []rlp.RawValue `rlp:"tail"`
}

// Decode parses the 0x-prefixed hex encoding of flip content.
func Decode(hex string) (vstate.Content, error) {
	raw, err := hexutil.Decode(hex)
	if err != nil {
		return vstate.Content{}, fmt.Errorf("failed to decode flip hex: %w", err)
	}

	var ef encodedFlip
	if err := rlp.DecodeBytes(raw, &ef); err != nil {
		return vstate.Content{}, fmt.Errorf("failed to decode flip RLP: %w", err)
	}

	if len(ef.Pics) == 0 {
		return vstate.Content{}, errors.New("flip has no pictures")
	}

	orders := make([][]int, len(ef.Orders))
	for i, o := range ef.Orders {
		order := make([]int, len(o))
		for j, pos := range o {
			idx := 0
			if len(pos) > 0 {
				idx = int(pos[0])
			}
			if idx >= len(ef.Pics) {
				return vstate.Content{}, fmt.Errorf(
					"order %d position %d references picture %d of %d", i, j, idx, len(ef.Pics),
				)
			}
			order[j] = idx
		}
		orders[i] = order
	}

	return vstate.Content{Pics: ef.Pics, Orders: orders}, nil
}

// Encode is the inverse of [Decode].
func Encode(c vstate.Content) (string, error) {
	if len(c.Pics) > 256 {
		return "", fmt.Errorf("too many pictures: %d", len(c.Pics))
	}

	ef := encodedFlip{
		Pics:   c.Pics,
		Orders: make([][][]byte, len(c.Orders)),
	}
	for i, o := range c.Orders {
		order := make([][]byte, len(o))
		for j, idx := range o {
			if idx < 0 || idx >= len(c.Pics) {
				return "", fmt.Errorf("order %d position %d: invalid picture index %d", i, j, idx)
			}
			if idx == 0 {
				order[j] = []byte{}
			} else {
				order[j] = []byte{byte(idx)}
			}
		}
		ef.Orders[i] = order
	}

	raw, err := rlp.EncodeToBytes(&ef)
	if err != nil {
		return "", fmt.Errorf("failed to encode flip RLP: %w", err)
	}
	return hexutil.Encode(raw), nil
}
