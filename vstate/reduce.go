package vstate

import (
	"fmt"
	"slices"
	"time"
)

// maxRetries bounds the fetch attempt history kept in [State.Retries].
const maxRetries = 32

// Reduce returns the state that results from applying a to s.
//
// Reduce panics if a is not one of the actions defined in this package,
// or if an action names an invalid [Kind].
// Both indicate a programming error in the caller.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case FetchFlipsStarted:
		s.Retries = appendRetry(s.Retries, a.At)

	case FetchFlipsSucceeded:
		sess := s.session(a.Kind)
		*sess = mergeFetched(*sess, a.Kind, a.Flips)

	case FetchFlipsFailed:
		sess := s.session(a.Kind)
		sess.Loading = false
		sess.Ready = false
		s.Error = a.Err

	case ShowExtraFlips:
		s.Short = showExtraFlips(s.Short)

	case Prev:
		sess := s.session(a.Kind)
		*sess = moveCursor(*sess, sess.CurrentIndex-1)

	case Next:
		sess := s.session(a.Kind)
		*sess = moveCursor(*sess, sess.CurrentIndex+1)

	case Pick:
		sess := s.session(a.Kind)
		*sess = moveCursor(*sess, a.Index)

	case AnswerFlip:
		sess := s.session(a.Kind)
		*sess = recordAnswer(*sess, a.Option)

	case WordsFetched:
		s.Long = attachWords(s.Long, a.Hash, a.Words)

	case IrrelevantWordsToggled:
		s.Long = toggleIrrelevantWords(s.Long)

	case SubmitAttempted:
		_ = s.session(a.Kind)
		s.SubmitAttempted = true

	case ShortAnswersSubmitted:
		sess := &s.Short
		sess.Loading = true
		sess.Ready = false
		sess.CurrentIndex = 0
		sess.IsFirst = true
		sess.IsLast = false
		sess.Total = 0
		sess.TotalReady = 0
		sess.CanSubmit = false
		sess.HasAllAnswers = false
		sess.Submitted = true

	case LongAnswersSubmitted:
		epoch := s.Epoch
		s = Initial()
		s.Epoch = epoch
		s.Long.Submitted = true

	case EpochChanged:
		if a.Epoch != s.Epoch {
			s = Initial()
			s.Epoch = a.Epoch
		}

	default:
		panic(fmt.Errorf("BUG: unhandled action type %T", a))
	}

	return s
}

func appendRetry(retries []time.Time, at time.Time) []time.Time {
	start := 0
	if len(retries) >= maxRetries {
		start = len(retries) - maxRetries + 1
	}
	out := make([]time.Time, 0, len(retries)-start+1)
	out = append(out, retries[start:]...)
	return append(out, at)
}

func mergeFetched(sess Session, k Kind, items []FetchedFlip) Session {
	byHash := make(map[string]FetchedFlip, len(items))
	for _, it := range items {
		byHash[it.Hash] = it
	}

	flips := make([]Flip, 0, max(len(sess.Flips), len(items)))
	seen := make(map[string]struct{}, len(sess.Flips)+len(items))
	for _, f := range sess.Flips {
		seen[f.Hash] = struct{}{}

		if (f.Ready && f.Loaded) || f.Failed {
			// Nothing left to learn about this flip.
			flips = append(flips, f)
			continue
		}

		it, ok := byHash[f.Hash]
		if !ok {
			flips = append(flips, f)
			continue
		}
		flips = append(flips, mergeFlip(f, it))
	}

	for _, it := range items {
		if _, ok := seen[it.Hash]; ok {
			continue
		}
		seen[it.Hash] = struct{}{}

		stub := Flip{Hash: it.Hash, Hidden: it.Hidden, Ready: it.Ready}
		flips = append(flips, mergeFlip(stub, it))
	}

	if k == KindLong {
		for i := range flips {
			flips[i].Hidden = !flips[i].Ready
		}
	}

	sess.Flips = reorderFlips(flips)
	sess.Loading = false
	sess.Ready = allSettled(sess.Flips)
	return recount(sess)
}

func mergeFlip(f Flip, it FetchedFlip) Flip {
	if !it.Ready {
		return Flip{Hash: it.Hash, Hidden: it.Hidden, Ready: false}
	}

	hidden := f.Hidden || it.Hidden

	if it.DecodeFailed {
		return Flip{Hash: f.Hash, Hidden: hidden, Failed: true}
	}

	if it.Content == nil {
		// Ready on the node, but not retrieved in this round.
		return Flip{Hash: f.Hash, Hidden: hidden, Ready: true, Words: f.Words}
	}

	out := f
	out.Hidden = hidden
	out.Ready = true
	out.Loaded = true
	out.Failed = false
	out.Pics = it.Content.Pics
	out.Orders = it.Content.Orders
	out.URLs = it.URLs
	return out
}

// reorderFlips returns flips ordered for display:
// ready and loaded, then still loading, then failed, then hidden.
// Order within each group is preserved.
func reorderFlips(flips []Flip) []Flip {
	var ready, loading, failed, hidden []Flip
	for _, f := range flips {
		switch {
		case f.Hidden:
			hidden = append(hidden, f)
		case f.Ready && f.Loaded:
			ready = append(ready, f)
		case f.Failed:
			failed = append(failed, f)
		default:
			loading = append(loading, f)
		}
	}

	out := make([]Flip, 0, len(flips))
	out = append(out, ready...)
	out = append(out, loading...)
	out = append(out, failed...)
	return append(out, hidden...)
}

func allSettled(flips []Flip) bool {
	for _, f := range flips {
		if !f.Ready && !f.Failed {
			return false
		}
	}
	return true
}

// recount recomputes every derived field of sess from its flips and answers.
func recount(sess Session) Session {
	sess.Total = 0
	sess.TotalReady = 0
	for _, f := range sess.Flips {
		if f.Hidden {
			continue
		}
		sess.Total++
		if f.Ready {
			sess.TotalReady++
		}
	}

	sess.HasAllAnswers = hasAllAnswers(sess.Answers, sess.TotalReady)
	return moveCursor(sess, sess.CurrentIndex)
}

func hasAllAnswers(answers []Choice, totalReady int) bool {
	if len(answers) == 0 || len(answers) != totalReady {
		return false
	}
	for _, c := range answers {
		if !c.Has() {
			return false
		}
	}
	return true
}

// moveCursor places the cursor at idx, clamped to [0, Total-1].
func moveCursor(sess Session, idx int) Session {
	idx = min(idx, sess.Total-1)
	idx = max(idx, 0)

	sess.CurrentIndex = idx
	sess.IsFirst = idx == 0
	sess.IsLast = idx == sess.Total-1
	sess.CanSubmit = sess.IsLast || sess.HasAllAnswers
	return sess
}

func recordAnswer(sess Session, option Answer) Session {
	if !option.Valid() {
		return sess
	}

	idx := sess.CurrentIndex
	answers := make([]Choice, max(len(sess.Answers), idx+1))
	copy(answers, sess.Answers)
	answers[idx] = Choice{Answer: option, Recorded: true}
	sess.Answers = answers

	sess.HasAllAnswers = hasAllAnswers(answers, sess.TotalReady)
	sess.CanSubmit = sess.IsLast || sess.HasAllAnswers
	return sess
}

func showExtraFlips(sess Session) Session {
	flips := make([]Flip, len(sess.Flips))
	available := 0
	for i, f := range sess.Flips {
		f.Failed = !f.Ready
		if f.Failed && !f.Hidden {
			available++
		}
		flips[i] = f
	}

	opened := 0
	for i := range flips {
		if available == 0 {
			break
		}
		f := &flips[i]
		if f.Hidden && f.Ready && f.Loaded {
			f.Hidden = false
			available--
			opened++
		}
	}

	// Hide as many trailing failed flips as were opened,
	// so the visible total does not change.
	for i := len(flips) - 1; i >= 0 && opened > 0; i-- {
		f := &flips[i]
		if f.Failed && !f.Hidden {
			f.Hidden = true
			opened--
		}
	}

	sess.Flips = reorderFlips(flips)
	sess.Ready = true
	return recount(sess)
}

func attachWords(sess Session, hash string, words []int) Session {
	idx := slices.IndexFunc(sess.Flips, func(f Flip) bool { return f.Hash == hash })
	if idx < 0 || sess.Flips[idx].Words != nil {
		return sess
	}

	flips := slices.Clone(sess.Flips)
	flips[idx].Words = slices.Clone(words)
	if flips[idx].Words == nil {
		flips[idx].Words = []int{}
	}
	sess.Flips = flips
	return sess
}

func toggleIrrelevantWords(sess Session) Session {
	idx := sess.CurrentIndex
	if idx < 0 || idx >= len(sess.Flips) {
		return sess
	}

	flips := slices.Clone(sess.Flips)
	flips[idx].IrrelevantWords = !flips[idx].IrrelevantWords
	sess.Flips = flips
	return sess
}
