package tx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/rpc"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

// Submitter delivers a signed transaction. *rpc.Broadcaster satisfies it.
type Submitter interface {
	Send(ctx context.Context, raw []byte) (string, error)
}

type SenderOptions struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// Commitment is "confirmed" or "finalized".
	Commitment   string
	MaxResubmits int
}

func DefaultSenderOptions() SenderOptions {
	return SenderOptions{
		ConfirmTimeout: 60 * time.Second,
		PollInterval:   2 * time.Second,
		Commitment:     "confirmed",
		MaxResubmits:   2,
	}
}

// Result describes a confirmed transaction.
type Result struct {
	Signature string
	Slot      uint64
	Fee       uint64
	Attempts  int
}

// Sender broadcasts built transactions and confirms them by polling
// signature status. The ledger's blocking confirmation primitive reports
// false negatives, so it is never used.
type Sender struct {
	builder   *Builder
	ledger    Ledger
	submitter Submitter
	opts      SenderOptions
	logger    *zap.SugaredLogger
}

func NewSender(builder *Builder, ledger Ledger, submitter Submitter, opts SenderOptions, logger *zap.SugaredLogger) *Sender {
	def := DefaultSenderOptions()
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = def.ConfirmTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Commitment == "" {
		opts.Commitment = def.Commitment
	}
	if opts.MaxResubmits < 0 {
		opts.MaxResubmits = 0
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sender{builder: builder, ledger: ledger, submitter: submitter, opts: opts, logger: logger}
}

func (s *Sender) Builder() *Builder {
	return s.builder
}

// Submit broadcasts tx and waits for it to reach the configured commitment.
func (s *Sender) Submit(ctx context.Context, tx *solana.Transaction) (*rpc.SignatureStatus, error) {
	sig, err := s.submitter.Send(ctx, tx.Serialize())
	if err != nil {
		return nil, err
	}
	if id := tx.ID(); sig != id {
		s.logger.Warnw("Endpoint returned unexpected signature", "expected", id, "sig", sig)
		sig = id
	}
	return s.Confirm(ctx, sig)
}

// Confirm polls the status of sig until it reaches the configured commitment,
// fails on-chain, or ConfirmTimeout elapses.
func (s *Sender) Confirm(ctx context.Context, sig string) (*rpc.SignatureStatus, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.opts.ConfirmTimeout)
	defer cancel()

	var final *rpc.SignatureStatus
	poll := func() error {
		statuses, err := s.ledger.GetSignatureStatuses(pollCtx, []string{sig})
		if err != nil {
			if models.IsRetryable(err) || pollCtx.Err() != nil {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(statuses) == 0 || statuses[0] == nil {
			return errPending
		}
		st := statuses[0]
		if st.Failed() {
			return backoff.Permanent(models.NewNonRetryable("confirm", fmt.Errorf("%w: %s: %s", models.ErrTxFailed, sig, st.Err)))
		}
		if !s.reached(st.ConfirmationStatus) {
			return errPending
		}
		final = st
		return nil
	}

	err := backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(s.opts.PollInterval), pollCtx))
	if err == nil {
		return final, nil
	}
	if ctx.Err() != nil {
		return nil, models.NewNonRetryable("confirm", ctx.Err())
	}
	if pollCtx.Err() != nil {
		return nil, models.NewRetryable("confirm", fmt.Errorf("%w: %s after %v", models.ErrConfirmTimeout, sig, s.opts.ConfirmTimeout))
	}
	return nil, err
}

var errPending = errors.New("transaction pending")

func (s *Sender) reached(status string) bool {
	switch status {
	case "finalized":
		return true
	case "confirmed":
		return s.opts.Commitment != "finalized"
	default:
		return false
	}
}

// Send builds, broadcasts and confirms ixs once.
func (s *Sender) Send(ctx context.Context, ixs []solana.Instruction, opts BuildOptions) (*Result, error) {
	tx, fee, err := s.builder.Build(ctx, ixs, opts)
	if err != nil {
		return nil, err
	}
	st, err := s.Submit(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &Result{Signature: tx.ID(), Slot: st.Slot, Fee: fee, Attempts: 1}, nil
}

// SendWithRetry is Send with up to MaxResubmits rebuilds after a remote
// rejection or confirmation timeout. Each rebuild fetches a fresh blockhash
// and, unless the caller pinned the fee, a fresh fee estimate. Fatal and
// malformed-input errors are returned immediately.
func (s *Sender) SendWithRetry(ctx context.Context, ixs []solana.Instruction, opts BuildOptions) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxResubmits; attempt++ {
		res, err := s.Send(ctx, ixs, opts)
		if err == nil {
			res.Attempts = attempt + 1
			return res, nil
		}
		lastErr = err
		if !Resubmittable(err) || ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warnw("Transaction not confirmed, resubmitting",
			"attempt", attempt+1,
			"max_resubmits", s.opts.MaxResubmits,
			"err", err)
	}
	return nil, lastErr
}

// Resubmittable reports whether a rebuilt transaction may succeed where err
// failed.
func Resubmittable(err error) bool {
	switch {
	case models.IsFatal(err):
		return false
	case errors.Is(err, models.ErrInvalidInput):
		return false
	case errors.Is(err, models.ErrTxFailed), errors.Is(err, models.ErrConfirmTimeout):
		return true
	default:
		return models.IsRetryable(err)
	}
}
