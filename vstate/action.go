package vstate

import "time"

// Action is a state transition request passed to [Reduce].
// The set of actions is closed; Reduce panics on anything else.
type Action interface {
	isAction()
}

// FetchFlipsStarted records a fetch attempt at the given time.
type FetchFlipsStarted struct {
	Kind Kind
	At   time.Time
}

// FetchFlipsSucceeded merges a fetch result into the session of Kind.
type FetchFlipsSucceeded struct {
	Kind  Kind
	Flips []FetchedFlip
}

// FetchFlipsFailed records a failed fetch without touching the held flips.
type FetchFlipsFailed struct {
	Kind Kind
	Err  string
}

// ShowExtraFlips swaps failed flips of the short session
// for hidden flips that are ready to be shown.
type ShowExtraFlips struct{}

type Prev struct{ Kind Kind }

type Next struct{ Kind Kind }

type Pick struct {
	Kind  Kind
	Index int
}

// AnswerFlip records Option at the cursor of the session of Kind.
type AnswerFlip struct {
	Kind   Kind
	Option Answer
}

// WordsFetched attaches words to the long session flip with Hash.
type WordsFetched struct {
	Hash  string
	Words []int
}

// IrrelevantWordsToggled flips the irrelevant-words mark
// of the long session flip at the cursor.
type IrrelevantWordsToggled struct{}

type SubmitAttempted struct{ Kind Kind }

type ShortAnswersSubmitted struct{}

type LongAnswersSubmitted struct{}

// EpochChanged starts a fresh state when Epoch differs from the held epoch.
type EpochChanged struct{ Epoch uint64 }

func (FetchFlipsStarted) isAction()      {}
func (FetchFlipsSucceeded) isAction()    {}
func (FetchFlipsFailed) isAction()       {}
func (ShowExtraFlips) isAction()         {}
func (Prev) isAction()                   {}
func (Next) isAction()                   {}
func (Pick) isAction()                   {}
func (AnswerFlip) isAction()             {}
func (WordsFetched) isAction()           {}
func (IrrelevantWordsToggled) isAction() {}
func (SubmitAttempted) isAction()        {}
func (ShortAnswersSubmitted) isAction()  {}
func (LongAnswersSubmitted) isAction()   {}
func (EpochChanged) isAction()           {}
