package vflip

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

const handlePrefix = "blob:"

// Blobs holds decoded flip pictures for serving by reference.
// Handles have the form "blob:<hash>/<index>".
//
// Blobs is safe for concurrent use.
type Blobs struct {
	mu     sync.RWMutex
	byHash map[string][][]byte
}

func NewBlobs() *Blobs {
	return &Blobs{byHash: make(map[string][][]byte)}
}

// Handle returns the reference for picture i of the flip with the given hash.
func Handle(hash string, i int) string {
	return handlePrefix + hash + "/" + strconv.Itoa(i)
}

// ParseHandle is the inverse of [Handle].
func ParseHandle(h string) (hash string, i int, err error) {
	rest, ok := strings.CutPrefix(h, handlePrefix)
	if !ok {
		return "", 0, fmt.Errorf("blob handle %q lacks %q prefix", h, handlePrefix)
	}
	hash, idx, ok := strings.Cut(rest, "/")
	if !ok || hash == "" {
		return "", 0, fmt.Errorf("malformed blob handle %q", h)
	}
	i, err = strconv.Atoi(idx)
	if err != nil || i < 0 {
		return "", 0, fmt.Errorf("malformed blob index in handle %q", h)
	}
	return hash, i, nil
}

// Register stores pics under hash, replacing any earlier registration,
// and returns one handle per picture.
func (b *Blobs) Register(hash string, pics [][]byte) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byHash[hash] = pics

	handles := make([]string, len(pics))
	for i := range pics {
		handles[i] = Handle(hash, i)
	}
	return handles
}

// Get returns picture i of the flip with the given hash.
func (b *Blobs) Get(hash string, i int) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pics, ok := b.byHash[hash]
	if !ok || i < 0 || i >= len(pics) {
		return nil, false
	}
	return pics[i], true
}

// Retain releases every registration whose hash is not in live.
func (b *Blobs) Retain(live []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for h := range b.byHash {
		if !slices.Contains(live, h) {
			delete(b.byHash, h)
		}
	}
}

// Reset releases every registration.
func (b *Blobs) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.byHash)
}

// Len returns the number of flips with registered pictures.
func (b *Blobs) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byHash)
}
