package vnode

import (
	"time"

	"github.com/flipsession/vsession/vstate"
)

// JSON-RPC method names exposed by the node.
const (
	MethodEpoch              = "dna_epoch"
	MethodShortHashes        = "flip_shortHashes"
	MethodLongHashes         = "flip_longHashes"
	MethodFlip               = "flip_get"
	MethodWords              = "flip_words"
	MethodSubmitShortAnswers = "flip_submitShortAnswers"
	MethodSubmitLongAnswers  = "flip_submitLongAnswers"
)

// Period is the validation phase the network is in.
type Period string

const (
	PeriodFlipLottery      Period = "FlipLottery"
	PeriodShortSession     Period = "ShortSession"
	PeriodLongSession      Period = "LongSession"
	PeriodAfterLongSession Period = "AfterLongSession"
	PeriodNone             Period = "None"
)

// ValidationRunning reports whether p is one of the answering sessions.
func (p Period) ValidationRunning() bool {
	return p == PeriodShortSession || p == PeriodLongSession
}

// Epoch is the node's answer to [MethodEpoch].
type Epoch struct {
	Epoch          uint64    `json:"epoch"`
	CurrentPeriod  Period    `json:"currentPeriod"`
	NextValidation time.Time `json:"nextValidation"`
}

// FlipHash is one entry of a session's flip list.
type FlipHash struct {
	Hash string `json:"hash"`

	// Extra flips are reserves, hidden unless needed.
	Extra bool `json:"extra"`

	Ready bool `json:"ready"`
}

// Flip is the encoded content of a flip.
type Flip struct {
	// Hex is the 0x-prefixed hex encoding of the RLP flip content.
	Hex string `json:"hex"`
}

// Words are the vocabulary indices describing a flip.
type Words struct {
	Words []int `json:"words"`
}

// SubmittedAnswer pairs a flip hash with the answer given for it.
type SubmittedAnswer struct {
	Hash   string        `json:"hash"`
	Answer vstate.Answer `json:"answer"`
}

// SubmitAnswersArgs is the parameter object of the submit methods.
type SubmitAnswersArgs struct {
	Answers []SubmittedAnswer `json:"answers"`
}

// SubmitResult is the node's answer to a submission.
type SubmitResult struct {
	TxHash string `json:"txHash"`
}

func hashesMethod(k vstate.Kind) string {
	switch k {
	case vstate.KindShort:
		return MethodShortHashes
	case vstate.KindLong:
		return MethodLongHashes
	default:
		panic("BUG: invalid session kind " + k.String())
	}
}

func submitMethod(k vstate.Kind) string {
	switch k {
	case vstate.KindShort:
		return MethodSubmitShortAnswers
	case vstate.KindLong:
		return MethodSubmitLongAnswers
	default:
		panic("BUG: invalid session kind " + k.String())
	}
}
