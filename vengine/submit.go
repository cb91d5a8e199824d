package vengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flipsession/vsession/vnode"
	"github.com/flipsession/vsession/vstate"
)

var errEpochChanged = errors.New("epoch changed")

// SubmitError is returned by [Engine.Submit] when the node call failed.
type SubmitError struct {
	Kind vstate.Kind
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("failed to submit %s answers: %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Submit sends the answers of session k to the node.
//
// It returns [ErrAlreadySubmitted] if the session was already submitted,
// and [ErrCannotSubmit] if the session cannot be submitted yet.
// A failed submission is not retried;
// the session stays unsubmitted so the caller may try again.
func (e *Engine) Submit(ctx context.Context, k vstate.Kind) (vnode.SubmitResult, error) {
	return e.submit(ctx, k, false)
}

// autoSubmitShort submits the recorded short answers
// after the short session ended without a submission.
func (e *Engine) autoSubmitShort(ctx context.Context) {
	defer e.wg.Done()

	res, err := e.submit(ctx, vstate.KindShort, true)
	if err != nil {
		e.log.Warn("Automatic short answer submission failed", "err", err)
		return
	}
	e.log.Info("Submitted short answers automatically", "tx", res.TxHash)
}

func (e *Engine) submit(ctx context.Context, k vstate.Kind, force bool) (vnode.SubmitResult, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	// The answers sent are the ones held when the attempt is recorded.
	st, err := e.dispatchIf(ctx, func(st vstate.State) error {
		sess := st.Session(k)
		if sess.Submitted {
			return ErrAlreadySubmitted
		}
		if !force && !sess.CanSubmit {
			return ErrCannotSubmit
		}
		return nil
	}, vstate.SubmitAttempted{Kind: k})
	if err != nil {
		return vnode.SubmitResult{}, err
	}

	ctx, stop := e.bound(ctx)
	defer stop()

	answers := pairAnswers(st.Session(k))
	res, err := e.node.SubmitAnswers(ctx, k, answers)
	e.m.Submission(k.String(), err)
	if err != nil {
		e.log.Warn("Answer submission failed", "kind", k, "answers", len(answers), "err", err)
		return vnode.SubmitResult{}, &SubmitError{Kind: k, Err: err}
	}

	var done vstate.Action = vstate.ShortAnswersSubmitted{}
	if k == vstate.KindLong {
		done = vstate.LongAnswersSubmitted{}
	}
	epoch := st.Epoch
	_, err = e.dispatchIf(ctx, func(st vstate.State) error {
		if st.Epoch != epoch {
			return errEpochChanged
		}
		return nil
	}, done)
	if errors.Is(err, errEpochChanged) {
		e.log.Info(
			"Epoch changed during submission; new session left unsubmitted",
			"kind", k, "epoch", epoch, "tx", res.TxHash,
		)
		return res, nil
	}
	if err != nil {
		return res, err
	}

	e.log.Info("Submitted answers", "kind", k, "answers", len(answers), "tx", res.TxHash)
	return res, nil
}

// pairAnswers pairs each visible flip with the answer at the same position.
// Positions without a recorded answer are submitted as [vstate.AnswerNone].
func pairAnswers(sess vstate.Session) []vnode.SubmittedAnswer {
	visible := sess.Visible()
	out := make([]vnode.SubmittedAnswer, len(visible))
	for i, f := range visible {
		out[i].Hash = f.Hash
		if i < len(sess.Answers) && sess.Answers[i].Has() {
			out[i].Answer = sess.Answers[i].Answer
		}
	}
	return out
}
