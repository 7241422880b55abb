package domain

// Gig statuses. Transitions are monotonic: open -> in-progress -> completed.
const (
	StatusOpen       = "open"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

// Ledger mirror states for a gig. The off-chain record is authoritative;
// "pending" and "failed" mark gigs whose create_job invocation has not been
// mirrored on-chain.
const (
	LedgerPending  = "pending"
	LedgerMirrored = "mirrored"
	LedgerFailed   = "failed"
)

type Gig struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	PaymentAmount  float64 `json:"payment_amount"`
	ClientAddress  string  `json:"client_address"`
	WorkerAddress  *string `json:"worker_address,omitempty"`
	Status         string  `json:"status" enum:"open,in-progress,completed"`
	LedgerStatus   string  `json:"ledger_status" enum:"pending,mirrored,failed"`
	ContractID     *string `json:"contract_id,omitempty"`
	ContractResult *string `json:"contract_result,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`

	// Seq is the creation-order key assigned by the store. It backs the
	// descending listing order and cursor pagination; ids are opaque uuids.
	Seq int64 `json:"-"`
}

type User struct {
	Address    string `json:"address"`
	Reputation int64  `json:"reputation"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
