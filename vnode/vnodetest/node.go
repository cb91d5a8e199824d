// Package vnodetest serves an in-memory node over the JSON-RPC surface
// that [vnode.Client] consumes.
//
// The [Node] is safe for concurrent use.
// Tests configure it directly through its methods,
// and the devnode command drives it with [RunSchedule].
package vnodetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vstate"
	"github.com/gorilla/mux"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

// FakeFlip is a flip held by the [Node].
type FakeFlip struct {
	Hash  string
	Extra bool
	Ready bool

	// Hex is returned verbatim by flip_get.
	Hex string

	Words []int
}

// Node is an in-memory node.
type Node struct {
	mu sync.Mutex

	epoch vnode.Epoch

	// Flip hashes per session, in the order the node reports them.
	lists map[vstate.Kind][]string

	// nullLists reports a null result instead of an empty list.
	nullLists map[vstate.Kind]bool

	flips []FakeFlip
	index map[string]uint

	// ready has a bit set for every index into flips whose content is available.
	ready bitset.BitSet

	submissions map[vstate.Kind][][]vnode.SubmittedAnswer

	errs  map[string]error
	calls map[string]int

	apiKey string
}

func New() *Node {
	return &Node{
		epoch: vnode.Epoch{CurrentPeriod: vnode.PeriodNone},

		lists:     make(map[vstate.Kind][]string),
		nullLists: make(map[vstate.Kind]bool),

		index: make(map[string]uint),

		submissions: make(map[vstate.Kind][][]vnode.SubmittedAnswer),

		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (n *Node) SetEpoch(e vnode.Epoch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.epoch = e
}

func (n *Node) Epoch() vnode.Epoch {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.epoch
}

// SetPeriod changes only the current period of the epoch.
func (n *Node) SetPeriod(p vnode.Period) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.epoch.CurrentPeriod = p
}

// AddFlip appends f to the flip list of session k.
// Adding the same hash to both sessions shares the flip content and readiness.
func (n *Node) AddFlip(k vstate.Kind, f FakeFlip) {
	n.mu.Lock()
	defer n.mu.Unlock()

	idx, ok := n.index[f.Hash]
	if !ok {
		idx = uint(len(n.flips))
		n.index[f.Hash] = idx
		n.flips = append(n.flips, f)
	} else {
		n.flips[idx] = f
	}
	n.ready.SetTo(idx, f.Ready)

	n.lists[k] = append(n.lists[k], f.Hash)
	n.nullLists[k] = false
}

// SetNullList makes the node report a null flip list for session k.
func (n *Node) SetNullList(k vstate.Kind, null bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nullLists[k] = null
}

// SetReady marks the flip with the given hash as ready or not.
func (n *Node) SetReady(hash string, ready bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	idx, ok := n.index[hash]
	if !ok {
		panic(fmt.Errorf("BUG: SetReady on unknown flip %q", hash))
	}
	n.ready.SetTo(idx, ready)
}

// ReadyNext marks the first flip that is not yet ready as ready,
// returning its hash, or false if every flip is already ready.
func (n *Node) ReadyNext() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	idx, ok := n.ready.NextClear(0)
	if !ok {
		// Every allocated bit is set.
		idx = n.ready.Len()
	}
	if idx >= uint(len(n.flips)) {
		return "", false
	}
	n.ready.Set(idx)
	return n.flips[idx].Hash, true
}

// ReadyCount returns the number of ready flips.
func (n *Node) ReadyCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return int(n.ready.Count())
}

func (n *Node) SetWords(hash string, words []int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	idx, ok := n.index[hash]
	if !ok {
		panic(fmt.Errorf("BUG: SetWords on unknown flip %q", hash))
	}
	n.flips[idx].Words = slices.Clone(words)
}

// SetError makes every call to method fail with err, until cleared with a nil err.
func (n *Node) SetError(method string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.errs, method)
		return
	}
	n.errs[method] = err
}

// RequireKey makes the node reject requests whose "key" member is not key.
func (n *Node) RequireKey(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.apiKey = key
}

// Calls returns how many times method has been called.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// Submissions returns every answer list submitted for session k, oldest first.
func (n *Node) Submissions(k vstate.Kind) [][]vnode.SubmittedAnswer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.submissions[k])
}

// Reset drops every flip, list, and submission, keeping the epoch.
func (n *Node) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lists = make(map[vstate.Kind][]string)
	n.nullLists = make(map[vstate.Kind]bool)
	n.flips = nil
	n.index = make(map[string]uint)
	n.ready.ClearAll()
	n.submissions = make(map[vstate.Kind][][]vnode.SubmittedAnswer)
}

// begin records a call and returns the configured error for method, if any.
func (n *Node) begin(method string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[method]++
	return n.errs[method]
}

func (n *Node) hashes(k vstate.Kind) []vnode.FlipHash {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.nullLists[k] {
		return nil
	}

	list := n.lists[k]
	out := make([]vnode.FlipHash, len(list))
	for i, h := range list {
		idx := n.index[h]
		out[i] = vnode.FlipHash{
			Hash:  h,
			Extra: n.flips[idx].Extra,
			Ready: n.ready.Test(idx),
		}
	}
	return out
}

func (n *Node) flip(hash string) (FakeFlip, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	idx, ok := n.index[hash]
	if !ok {
		return FakeFlip{}, false, fmt.Errorf("flip %s not found", hash)
	}
	return n.flips[idx], n.ready.Test(idx), nil
}

func (n *Node) submit(k vstate.Kind, answers []vnode.SubmittedAnswer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submissions[k] = append(n.submissions[k], slices.Clone(answers))
}

// Handler returns the JSON-RPC handler for the node.
func (n *Node) Handler() http.Handler {
	s := rpc.NewServer()
	codec := aliasCodec{Codec: json2.NewCodec()}
	s.RegisterCodec(codec, "application/json")
	s.RegisterCodec(codec, "application/json;charset=UTF-8")

	if err := s.RegisterService(&dnaService{n: n}, "dna"); err != nil {
		panic(fmt.Errorf("BUG: failed to register dna service: %w", err))
	}
	if err := s.RegisterService(&flipService{n: n}, "flip"); err != nil {
		panic(fmt.Errorf("BUG: failed to register flip service: %w", err))
	}

	r := mux.NewRouter()
	r.Use(n.checkKey)
	r.Handle("/", s).Methods("POST")
	return r
}

// Start serves the node on a local test server for the lifetime of t,
// returning the URL for [vnode.ClientConfig].
func (n *Node) Start(t testing.TB) string {
	t.Helper()

	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func (n *Node) checkKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		want := n.apiKey
		n.mu.Unlock()

		if want == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.Key != want {
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// aliasCodec maps node-style method names ("flip_get")
// to gorilla service methods ("flip.Get").
type aliasCodec struct {
	rpc.Codec
}

func (c aliasCodec) NewRequest(r *http.Request) rpc.CodecRequest {
	return aliasRequest{CodecRequest: c.Codec.NewRequest(r)}
}

type aliasRequest struct {
	rpc.CodecRequest
}

func (r aliasRequest) Method() (string, error) {
	m, err := r.CodecRequest.Method()
	if err != nil {
		return m, err
	}
	return serviceMethod(m), nil
}

func serviceMethod(m string) string {
	ns, name, ok := strings.Cut(m, "_")
	if !ok || name == "" {
		return m
	}
	return ns + "." + strings.ToUpper(name[:1]) + name[1:]
}

var errNotReady = errors.New("flip is not ready")

type dnaService struct {
	n *Node
}

func (s *dnaService) Epoch(_ *http.Request, _ *struct{}, reply *vnode.Epoch) error {
	if err := s.n.begin(vnode.MethodEpoch); err != nil {
		return err
	}
	*reply = s.n.Epoch()
	return nil
}

type flipService struct {
	n *Node
}

func (s *flipService) ShortHashes(_ *http.Request, _ *struct{}, reply *[]vnode.FlipHash) error {
	if err := s.n.begin(vnode.MethodShortHashes); err != nil {
		return err
	}
	*reply = s.n.hashes(vstate.KindShort)
	return nil
}

func (s *flipService) LongHashes(_ *http.Request, _ *struct{}, reply *[]vnode.FlipHash) error {
	if err := s.n.begin(vnode.MethodLongHashes); err != nil {
		return err
	}
	*reply = s.n.hashes(vstate.KindLong)
	return nil
}

func (s *flipService) Get(_ *http.Request, hash *string, reply *vnode.Flip) error {
	if err := s.n.begin(vnode.MethodFlip); err != nil {
		return err
	}
	f, ready, err := s.n.flip(*hash)
	if err != nil {
		return err
	}
	if !ready {
		return errNotReady
	}
	reply.Hex = f.Hex
	return nil
}

func (s *flipService) Words(_ *http.Request, hash *string, reply *vnode.Words) error {
	if err := s.n.begin(vnode.MethodWords); err != nil {
		return err
	}
	f, _, err := s.n.flip(*hash)
	if err != nil {
		return err
	}
	reply.Words = slices.Clone(f.Words)
	return nil
}

func (s *flipService) SubmitShortAnswers(_ *http.Request, args *vnode.SubmitAnswersArgs, reply *vnode.SubmitResult) error {
	return s.submit(vstate.KindShort, vnode.MethodSubmitShortAnswers, args, reply)
}

func (s *flipService) SubmitLongAnswers(_ *http.Request, args *vnode.SubmitAnswersArgs, reply *vnode.SubmitResult) error {
	return s.submit(vstate.KindLong, vnode.MethodSubmitLongAnswers, args, reply)
}

func (s *flipService) submit(k vstate.Kind, method string, args *vnode.SubmitAnswersArgs, reply *vnode.SubmitResult) error {
	if err := s.n.begin(method); err != nil {
		return err
	}
	s.n.submit(k, args.Answers)
	reply.TxHash = fmt.Sprintf("0x%s%04d", k, len(s.n.Submissions(k)))
	return nil
}
