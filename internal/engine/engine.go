package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gigline/internal/config"
	"gigline/internal/domain"
	"gigline/internal/events"
	"gigline/internal/ledger"
	"gigline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Ledger ledger.Invoker
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, inv ledger.Invoker) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Ledger: inv,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ValidationError marks rejected input. The server maps it to 400.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError marks a lifecycle transition attempted from the wrong
// status. The server maps it to 409.
type InvalidStateError struct {
	GigID  string
	Status string
	Action string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("gig %s cannot be %s from status %s", e.GigID, e.Action, e.Status)
}

func ensureGigTransition(g domain.Gig, action string) error {
	switch action {
	case "accepted":
		if g.Status == domain.StatusOpen {
			return nil
		}
	case "completed":
		if g.Status == domain.StatusInProgress {
			return nil
		}
	}
	return InvalidStateError{GigID: g.ID, Status: g.Status, Action: action}
}

// GigCreateOptions are parameters for posting a gig. WorkerAddress may
// pre-name a worker, but the gig still starts open and must be accepted.
type GigCreateOptions struct {
	Title         string
	Description   string
	PaymentAmount float64
	ClientAddress string
	WorkerAddress string
	ActorID       string
}

// CreateResult pairs the stored gig with the outcome of the ledger
// mirror attempt. Exactly one of Contract / ContractError is set.
type CreateResult struct {
	Gig           domain.Gig
	Contract      *ledger.Result
	ContractError error
}

// CreateGig validates and stores a new gig, then mirrors it onto the
// ledger. The gig is committed before the CLI runs: a ledger failure
// leaves the gig open and marks it failed on the ledger side only.
func (e Engine) CreateGig(ctx context.Context, opts GigCreateOptions) (CreateResult, error) {
	if opts.Title == "" {
		return CreateResult{}, validationf("title is required")
	}
	if opts.Description == "" {
		return CreateResult{}, validationf("description is required")
	}
	if opts.PaymentAmount <= 0 {
		return CreateResult{}, validationf("payment_amount must be greater than zero")
	}
	client := opts.ClientAddress
	if client == "" {
		if e.Config == nil || !e.Config.Marketplace.AllowDefaultClient || e.Config.Marketplace.DefaultClientAddress == "" {
			return CreateResult{}, validationf("client_address is required")
		}
		client = e.Config.Marketplace.DefaultClientAddress
	}

	now := e.timestamp()
	g := domain.Gig{
		ID:            uuid.NewString(),
		Title:         opts.Title,
		Description:   opts.Description,
		PaymentAmount: opts.PaymentAmount,
		ClientAddress: client,
		Status:        domain.StatusOpen,
		LedgerStatus:  domain.LedgerPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.WorkerAddress != "" {
		worker := opts.WorkerAddress
		g.WorkerAddress = &worker
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGig(ctx, tx, &g); err != nil {
		return CreateResult{}, fmt.Errorf("insert gig: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.GigCreated, "gig", g.ID, opts.ActorID, events.EventPayload{
		"title":          g.Title,
		"payment_amount": g.PaymentAmount,
		"client_address": g.ClientAddress,
	}); err != nil {
		return CreateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateResult{}, err
	}

	res := CreateResult{Gig: g}
	contract, err := e.mirrorCreate(ctx, &res.Gig, opts.ActorID)
	if err != nil {
		res.ContractError = err
		return res, nil
	}
	res.Contract = &contract
	return res, nil
}

// mirrorCreate invokes create_job and records the outcome on the gig.
// The lifecycle status is untouched either way. The contract takes the
// worker slot even when unassigned; an empty value reserves it.
func (e Engine) mirrorCreate(ctx context.Context, g *domain.Gig, actorID string) (ledger.Result, error) {
	worker := ""
	if g.WorkerAddress != nil {
		worker = *g.WorkerAddress
	}
	contract, invokeErr := e.Ledger.Invoke(ctx, ledger.Invocation{
		Function: "create_job",
		Args: map[string]string{
			"client": g.ClientAddress,
			"worker": worker,
			"amount": strconv.FormatFloat(g.PaymentAmount, 'f', -1, 64),
		},
	})

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Result{}, err
	}
	defer tx.Rollback()

	g.UpdatedAt = e.timestamp()
	if invokeErr != nil {
		g.LedgerStatus = domain.LedgerFailed
		if err := e.Repo.UpdateGig(ctx, tx, *g); err != nil {
			return ledger.Result{}, err
		}
		if err := e.Events.Append(ctx, tx, events.LedgerFailed, "gig", g.ID, actorID, events.EventPayload{
			"function": "create_job",
			"error":    invokeErr.Error(),
		}); err != nil {
			return ledger.Result{}, err
		}
		if err := tx.Commit(); err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{}, invokeErr
	}

	g.LedgerStatus = domain.LedgerMirrored
	if contract.JobID != "" {
		id := contract.JobID
		g.ContractID = &id
	}
	if contract.Output != "" {
		out := contract.Output
		g.ContractResult = &out
	}
	if err := e.Repo.UpdateGig(ctx, tx, *g); err != nil {
		return ledger.Result{}, err
	}
	if err := e.Events.Append(ctx, tx, events.LedgerInvoked, "gig", g.ID, actorID, events.EventPayload{
		"function": "create_job",
		"job_id":   contract.JobID,
	}); err != nil {
		return ledger.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Result{}, err
	}
	return contract, nil
}

// AcceptGig assigns a worker to an open gig.
func (e Engine) AcceptGig(ctx context.Context, gigID, workerAddress, actorID string) (domain.Gig, error) {
	if workerAddress == "" {
		return domain.Gig{}, validationf("worker_address is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Gig{}, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGigTx(ctx, tx, gigID)
	if err != nil {
		return domain.Gig{}, err
	}
	if err := ensureGigTransition(g, "accepted"); err != nil {
		return domain.Gig{}, err
	}

	worker := workerAddress
	g.WorkerAddress = &worker
	g.Status = domain.StatusInProgress
	g.UpdatedAt = e.timestamp()
	ok, err := e.Repo.UpdateGigIfStatus(ctx, tx, g, domain.StatusOpen)
	if err != nil {
		return domain.Gig{}, err
	}
	if !ok {
		return domain.Gig{}, InvalidStateError{GigID: g.ID, Status: g.Status, Action: "accepted"}
	}
	if err := e.Events.Append(ctx, tx, events.GigAccepted, "gig", g.ID, actorID, events.EventPayload{
		"worker_address": workerAddress,
	}); err != nil {
		return domain.Gig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Gig{}, err
	}
	return g, nil
}

// GigCompleteOptions are parameters for completing a gig. SourceSecret,
// when set, signs the ledger call instead of the configured identity.
type GigCompleteOptions struct {
	GigID        string
	Caller       string
	SourceSecret string
	ActorID      string
}

// CompleteGig records completion of an in-progress gig. The ledger call
// is the gatekeeper here: complete_job must succeed before the status
// advances, so a CLI failure leaves the gig in-progress.
func (e Engine) CompleteGig(ctx context.Context, opts GigCompleteOptions) (domain.Gig, error) {
	g, err := e.Repo.GetGig(ctx, opts.GigID)
	if err != nil {
		return domain.Gig{}, err
	}
	if err := ensureGigTransition(g, "completed"); err != nil {
		return domain.Gig{}, err
	}

	jobID := g.ID
	if g.ContractID != nil {
		jobID = *g.ContractID
	}
	caller := opts.Caller
	if caller == "" {
		caller = g.ClientAddress
	}
	contract, err := e.Ledger.Invoke(ctx, ledger.Invocation{
		Function: "complete_job",
		Args: map[string]string{
			"job_id": jobID,
			"caller": caller,
		},
		Source: opts.SourceSecret,
	})
	if err != nil {
		e.recordLedgerFailure(ctx, g.ID, "complete_job", opts.ActorID, err)
		return domain.Gig{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Gig{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	g.Status = domain.StatusCompleted
	g.LedgerStatus = domain.LedgerMirrored
	g.UpdatedAt = now
	g.CompletedAt = &now
	if contract.Output != "" {
		out := contract.Output
		g.ContractResult = &out
	}
	ok, err := e.Repo.UpdateGigIfStatus(ctx, tx, g, domain.StatusInProgress)
	if err != nil {
		return domain.Gig{}, err
	}
	if !ok {
		return domain.Gig{}, InvalidStateError{GigID: g.ID, Status: g.Status, Action: "completed"}
	}
	if err := e.Events.Append(ctx, tx, events.GigCompleted, "gig", g.ID, opts.ActorID, events.EventPayload{
		"caller": caller,
	}); err != nil {
		return domain.Gig{}, err
	}
	if err := e.Events.Append(ctx, tx, events.LedgerInvoked, "gig", g.ID, opts.ActorID, events.EventPayload{
		"function": "complete_job",
		"job_id":   jobID,
	}); err != nil {
		return domain.Gig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Gig{}, err
	}
	return g, nil
}

// recordLedgerFailure appends a ledger.failed event outside the failing
// call path. Best effort: the caller already has the real error.
func (e Engine) recordLedgerFailure(ctx context.Context, gigID, function, actorID string, cause error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.LedgerFailed, "gig", gigID, actorID, events.EventPayload{
		"function": function,
		"error":    cause.Error(),
	}); err != nil {
		return
	}
	tx.Commit()
}

func (e Engine) GetGig(ctx context.Context, id string) (domain.Gig, error) {
	return e.Repo.GetGig(ctx, id)
}

func (e Engine) ListGigs(ctx context.Context, f repo.GigFilters) ([]domain.Gig, error) {
	if f.Status != "" {
		switch f.Status {
		case domain.StatusOpen, domain.StatusInProgress, domain.StatusCompleted:
		default:
			return nil, validationf("unknown status %q", f.Status)
		}
	}
	return e.Repo.ListGigs(ctx, f)
}

// MyGigs groups an address's gigs by role.
type MyGigs struct {
	Posted   []domain.Gig
	Accepted []domain.Gig
}

func (e Engine) ListMine(ctx context.Context, address string) (MyGigs, error) {
	if address == "" {
		return MyGigs{}, validationf("address is required")
	}
	posted, err := e.Repo.ListGigsByClient(ctx, address)
	if err != nil {
		return MyGigs{}, err
	}
	accepted, err := e.Repo.ListGigsByWorker(ctx, address)
	if err != nil {
		return MyGigs{}, err
	}
	return MyGigs{Posted: posted, Accepted: accepted}, nil
}

// GetOrCreateUser returns the profile for an address, registering it on
// first sight.
func (e Engine) GetOrCreateUser(ctx context.Context, address, actorID string) (domain.User, error) {
	if address == "" {
		return domain.User{}, validationf("address is required")
	}
	u, created, err := e.Repo.GetOrCreateUser(ctx, address)
	if err != nil {
		return domain.User{}, err
	}
	if created {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err == nil {
			defer tx.Rollback()
			if err := e.Events.Append(ctx, tx, events.UserCreated, "user", address, actorID, nil); err == nil {
				tx.Commit()
			}
		}
	}
	return u, nil
}

// Reputation returns the stored score without registering the address.
func (e Engine) Reputation(ctx context.Context, address string) (int64, error) {
	u, err := e.Repo.GetUser(ctx, address)
	if err != nil {
		return 0, err
	}
	return u.Reputation, nil
}
