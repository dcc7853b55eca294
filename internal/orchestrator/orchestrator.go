// Package orchestrator drives the poll-decide-act cycle: list candidate
// messages, skip the already-processed ones, fetch the rest, then for
// each message decide an action, apply it and commit the outcome to the
// ledger before moving on.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/mailpilot/mailpilot/internal/gmail"
	"github.com/mailpilot/mailpilot/internal/ledger"
	"github.com/mailpilot/mailpilot/internal/policy"
)

const (
	// DefaultQuery selects the unread inbox.
	DefaultQuery = "in:inbox is:unread"

	defaultFetchConcurrency = 4
	defaultDecideTimeout    = 30 * time.Second
)

// Ledger is the persistence surface the runner needs. *ledger.Ledger
// satisfies it.
type Ledger interface {
	Record(ledger.Entry) error
	ListUnprocessed(ids []string) ([]string, error)
}

// Runner executes poll cycles against one mailbox.
type Runner struct {
	mail             gmail.API
	ledger           Ledger
	policy           policy.Policy
	logger           *slog.Logger
	query            string
	fetchConcurrency int
	decideTimeout    time.Duration
	now              func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithQuery overrides the listing query.
func WithQuery(q string) Option {
	return func(r *Runner) {
		if q != "" {
			r.query = q
		}
	}
}

// WithFetchConcurrency bounds concurrent message fetches.
func WithFetchConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.fetchConcurrency = n
		}
	}
}

// WithDecideTimeout bounds each policy decision.
func WithDecideTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.decideTimeout = d
		}
	}
}

// New builds a runner over a mail API, a ledger and a decision policy.
func New(mail gmail.API, led Ledger, pol policy.Policy, opts ...Option) *Runner {
	r := &Runner{
		mail:             mail,
		ledger:           led,
		policy:           pol,
		logger:           slog.Default(),
		query:            DefaultQuery,
		fetchConcurrency: defaultFetchConcurrency,
		decideTimeout:    defaultDecideTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CycleSummary reports what one cycle did.
type CycleSummary struct {
	Listed           int // candidate ids returned by the query
	AlreadyProcessed int // filtered out by the ledger
	NotFound         int // gone between list and fetch
	Applied          int // recorded with outcome success
	Failed           int // recorded with outcome failed
	Started          time.Time
	Duration         time.Duration
}

// RunCycle executes one full cycle. The returned summary is valid even
// when the error is non-nil; an error means the cycle stopped early and
// unhandled messages stay unprocessed for the next cycle.
//
// Cancellation is honored between messages. A message whose apply has
// started always runs to its ledger commit.
func (r *Runner) RunCycle(ctx context.Context) (*CycleSummary, error) {
	summary := &CycleSummary{Started: r.now()}
	defer func() { summary.Duration = r.now().Sub(summary.Started) }()

	ids, err := r.listCandidates(ctx)
	if err != nil {
		return summary, err
	}
	summary.Listed = len(ids)

	pending, err := r.ledger.ListUnprocessed(ids)
	if err != nil {
		return summary, eris.Wrap(err, "filter processed messages")
	}
	summary.AlreadyProcessed = len(ids) - len(pending)

	messages, err := r.fetchAll(ctx, pending, summary)
	if err != nil {
		return summary, err
	}

	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			r.logger.Info("cycle stopped", "remaining", len(messages)-summary.Applied-summary.Failed)
			return summary, err
		}
		if err := r.processOne(ctx, msg, summary); err != nil {
			return summary, err
		}
	}

	r.logger.Info("cycle complete",
		"listed", summary.Listed,
		"already_processed", summary.AlreadyProcessed,
		"not_found", summary.NotFound,
		"applied", summary.Applied,
		"failed", summary.Failed,
		"duration", r.now().Sub(summary.Started))
	return summary, nil
}

// listCandidates walks the paged listing to completion.
func (r *Runner) listCandidates(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		page, err := r.mail.ListMessages(ctx, r.query, pageToken)
		if err != nil {
			return nil, eris.Wrap(err, "list messages")
		}
		for _, ref := range page.Messages {
			ids = append(ids, ref.ID)
		}
		if page.NextPageToken == "" {
			return ids, nil
		}
		pageToken = page.NextPageToken
	}
}

// fetchAll retrieves pending messages with bounded concurrency,
// preserving listing order. Messages deleted between list and fetch are
// logged and skipped; they are not recorded, so a reappearing id would
// be picked up again. Other fetch failures abort the cycle.
func (r *Runner) fetchAll(ctx context.Context, ids []string, summary *CycleSummary) ([]*gmail.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	results := make([]*gmail.Message, len(ids))
	sem := make(chan struct{}, r.fetchConcurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			msg, err := r.mail.GetMessage(gctx, id)
			if errors.Is(err, gmail.ErrNotFound) {
				r.logger.Warn("message gone before fetch", "id", id)
				return nil
			}
			if err != nil {
				return eris.Wrapf(err, "fetch message %s", id)
			}
			results[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	messages := make([]*gmail.Message, 0, len(ids))
	for _, msg := range results {
		if msg == nil {
			summary.NotFound++
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// processOne runs decide, apply and record for a single message. Policy
// failures are final: they are recorded without touching the mailbox.
// Transient and auth failures during apply abort the cycle so the
// message stays unprocessed.
func (r *Runner) processOne(ctx context.Context, msg *gmail.Message, summary *CycleSummary) error {
	// A message that has started processing runs to its ledger commit;
	// a cancelled apply would otherwise be recorded as a permanent
	// failure in the write-once ledger. The loop honors the stop signal
	// between messages.
	msgCtx := context.WithoutCancel(ctx)

	action, decideErr := r.decide(msgCtx, msg)
	if decideErr != nil {
		r.logger.Warn("policy failed", "id", msg.ID, "error", decideErr)
		summary.Failed++
		return r.record(msg.ID, gmail.NoOp(), ledger.OutcomeFailed, "policy_error: "+decideErr.Error())
	}

	r.logger.Debug("applying action", "id", msg.ID, "action", action.String())
	if err := r.mail.ApplyAction(msgCtx, msg, action); err != nil {
		if errors.Is(err, gmail.ErrUnavailable) || gmail.IsAuthError(err) {
			// Not recorded: the message is retried once the outage or
			// credential problem is resolved.
			return eris.Wrapf(err, "apply %s to %s", action.String(), msg.ID)
		}
		r.logger.Warn("apply failed", "id", msg.ID, "action", action.String(), "error", err)
		summary.Failed++
		return r.record(msg.ID, action, ledger.OutcomeFailed, "apply_error: "+err.Error())
	}

	summary.Applied++
	return r.record(msg.ID, action, ledger.OutcomeSuccess, "")
}

// decide runs the policy under its timeout and validates the result.
func (r *Runner) decide(ctx context.Context, msg *gmail.Message) (gmail.Action, error) {
	dctx, cancel := context.WithTimeout(ctx, r.decideTimeout)
	defer cancel()

	action, err := r.policy.Decide(dctx, msg)
	if err != nil {
		return gmail.Action{}, err
	}
	if err := action.Validate(); err != nil {
		return gmail.Action{}, err
	}
	return action, nil
}

// record commits one outcome. A duplicate entry means another run
// already recorded this id; the existing row wins and this is success.
func (r *Runner) record(id string, action gmail.Action, outcome ledger.Outcome, failReason string) error {
	err := r.ledger.Record(ledger.Entry{
		MessageID:    id,
		ActionKind:   string(action.Kind),
		ActionDetail: action.Detail(),
		Outcome:      outcome,
		FailReason:   failReason,
		AppliedAt:    r.now().UTC(),
	})
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		r.logger.Debug("already recorded", "id", id)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "record outcome for %s", id)
	}
	return nil
}
