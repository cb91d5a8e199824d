package vstate

import (
	"fmt"
	"time"
)

// Kind distinguishes the two sessions of a validation ceremony.
type Kind uint8

const (
	_ Kind = iota // Zero value reserved.

	// KindShort is the timed session in which the identity solves its assigned flips.
	KindShort

	// KindLong is the qualification session, scoring other participants' flips.
	KindLong
)

func (k Kind) String() string {
	switch k {
	case KindShort:
		return "short"
	case KindLong:
		return "long"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of [Kind.String].
func ParseKind(s string) (Kind, error) {
	switch s {
	case "short":
		return KindShort, nil
	case "long":
		return KindLong, nil
	default:
		return 0, fmt.Errorf("unknown session kind %q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k != KindShort && k != KindLong {
		return nil, fmt.Errorf("cannot marshal invalid session kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Answer is the option chosen for a single flip.
type Answer uint8

const (
	AnswerNone Answer = iota
	AnswerLeft
	AnswerRight
	AnswerInappropriate
)

// Valid reports whether a is one of the defined answers.
func (a Answer) Valid() bool {
	return a <= AnswerInappropriate
}

func (a Answer) String() string {
	switch a {
	case AnswerNone:
		return "none"
	case AnswerLeft:
		return "left"
	case AnswerRight:
		return "right"
	case AnswerInappropriate:
		return "inappropriate"
	default:
		return fmt.Sprintf("Answer(%d)", uint8(a))
	}
}

// ParseAnswer is the inverse of [Answer.String].
func ParseAnswer(s string) (Answer, error) {
	for a := AnswerNone; a <= AnswerInappropriate; a++ {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown answer %q", s)
}

// Choice is one position in a session's answer sequence.
// The zero Choice is an unrecorded position,
// which is different from an explicitly recorded [AnswerNone].
type Choice struct {
	Answer   Answer `json:"answer"`
	Recorded bool   `json:"recorded"`
}

// Has reports whether c holds a recorded, valid answer.
func (c Choice) Has() bool {
	return c.Recorded && c.Answer.Valid()
}

// Content is the decoded visual content of a flip.
type Content struct {
	// Pics are the raw encoded images.
	Pics [][]byte

	// Orders are the presentation orders,
	// each a permutation of indices into Pics.
	Orders [][]int
}

// Flip is a single puzzle in a session.
type Flip struct {
	Hash string `json:"hash"`

	// Hidden flips are held in reserve and excluded from the current round.
	Hidden bool `json:"hidden"`

	// Ready is set when the node has the flip content available.
	Ready bool `json:"ready"`

	// Loaded is set once the content has been decoded.
	Loaded bool `json:"loaded"`

	// Failed is terminal for the flip within the session.
	Failed bool `json:"failed"`

	Pics   [][]byte `json:"pics,omitempty"`
	Orders [][]int  `json:"orders,omitempty"`

	// URLs are the blob handles registered for Pics, one per picture.
	URLs []string `json:"urls,omitempty"`

	// Words are vocabulary indices describing the flip, long session only.
	// Nil until fetched.
	Words []int `json:"words"`

	IrrelevantWords bool `json:"irrelevant_words,omitempty"`
}

// FetchedFlip is one entry of a fetch result, as produced by the flip orchestrator.
type FetchedFlip struct {
	Hash   string
	Hidden bool
	Ready  bool

	// Content is set when the flip was fetched and decoded successfully.
	Content *Content

	// URLs are the blob handles for Content.Pics.
	URLs []string

	// DecodeFailed is set when the flip was fetched but its content was malformed.
	DecodeFailed bool
}

// Session is the progress of one session kind.
type Session struct {
	Flips   []Flip   `json:"flips"`
	Answers []Choice `json:"answers"`

	Loading bool `json:"loading"`
	Ready   bool `json:"ready"`

	CurrentIndex int  `json:"current_index"`
	IsFirst      bool `json:"is_first"`
	IsLast       bool `json:"is_last"`

	Total      int `json:"total"`
	TotalReady int `json:"total_ready"`

	CanSubmit     bool `json:"can_submit"`
	HasAllAnswers bool `json:"has_all_answers"`

	Submitted bool `json:"submitted"`
}

// Visible returns the flips that are not hidden, in display order.
func (s Session) Visible() []Flip {
	out := make([]Flip, 0, len(s.Flips))
	for _, f := range s.Flips {
		if !f.Hidden {
			out = append(out, f)
		}
	}
	return out
}

// State is the complete client-side state of the validation ceremony
// for a single epoch.
type State struct {
	Epoch uint64 `json:"epoch"`

	Short Session `json:"short"`
	Long  Session `json:"long"`

	// Retries holds the start times of the most recent flip fetch attempts.
	Retries []time.Time `json:"retries"`

	SubmitAttempted bool `json:"submit_attempted"`

	// Error is the message of the last failed flip fetch.
	Error string `json:"error,omitempty"`
}

// Initial returns the state before anything has been fetched.
func Initial() State {
	return State{
		Short: initialSession(),
		Long:  initialSession(),
	}
}

func initialSession() Session {
	return Session{
		Loading: true,
		IsFirst: true,
	}
}

// Session returns the session of the given kind.
// It panics if k is not a defined kind.
func (s State) Session(k Kind) Session {
	return *s.session(k)
}

func (s *State) session(k Kind) *Session {
	switch k {
	case KindShort:
		return &s.Short
	case KindLong:
		return &s.Long
	default:
		panic(fmt.Errorf("BUG: invalid session kind %d", uint8(k)))
	}
}

func (s State) ShortAnswersSubmitted() bool { return s.Short.Submitted }
func (s State) LongAnswersSubmitted() bool  { return s.Long.Submitted }
