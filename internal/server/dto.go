package server

import (
	"encoding/json"

	"gigline/internal/domain"
	"gigline/internal/engine"
)

// Request payloads

type CreateGigRequest struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	PaymentAmount float64 `json:"payment_amount"`
	ClientAddress *string `json:"client_address,omitempty"`
	WorkerAddress *string `json:"worker_address,omitempty"`
}

type AcceptGigRequest struct {
	WorkerAddress string `json:"worker_address,omitempty"`
}

type CompleteGigRequest struct {
	CallerAddress *string `json:"caller_address,omitempty"`
	SourceSecret  *string `json:"source_secret,omitempty"`
}

type SessionRequest struct {
	Address string `json:"address"`
}

// Response payloads

type GigResponse struct {
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
}

type ContractResponse struct {
	JobID  string `json:"job_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type CreateGigResponse struct {
	Gig           GigResponse       `json:"gig"`
	Contract      *ContractResponse `json:"contract,omitempty"`
	ContractError *string           `json:"contract_error,omitempty"`
}

type CompleteGigResponse struct {
	Gig      GigResponse       `json:"gig"`
	Contract *ContractResponse `json:"contract,omitempty"`
}

type MyGigsResponse struct {
	Posted   []GigResponse `json:"posted"`
	Accepted []GigResponse `json:"accepted"`
}

type UserResponse struct {
	Address    string `json:"address"`
	Reputation int64  `json:"reputation"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ReputationResponse struct {
	Address    string `json:"address"`
	Reputation int64  `json:"reputation"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type SessionResponse struct {
	Token string `json:"token"`
}

func gigResponse(g domain.Gig) GigResponse {
	return GigResponse{
		ID:             g.ID,
		Title:          g.Title,
		Description:    g.Description,
		PaymentAmount:  g.PaymentAmount,
		ClientAddress:  g.ClientAddress,
		WorkerAddress:  g.WorkerAddress,
		Status:         g.Status,
		LedgerStatus:   g.LedgerStatus,
		ContractID:     g.ContractID,
		ContractResult: g.ContractResult,
		CreatedAt:      g.CreatedAt,
		UpdatedAt:      g.UpdatedAt,
		CompletedAt:    g.CompletedAt,
	}
}

func mapGigs(items []domain.Gig) []GigResponse {
	res := make([]GigResponse, 0, len(items))
	for _, g := range items {
		res = append(res, gigResponse(g))
	}
	return res
}

func createGigResponse(res engine.CreateResult) CreateGigResponse {
	out := CreateGigResponse{Gig: gigResponse(res.Gig)}
	if res.Contract != nil {
		out.Contract = &ContractResponse{JobID: res.Contract.JobID, Output: res.Contract.Output}
	}
	if res.ContractError != nil {
		msg := res.ContractError.Error()
		out.ContractError = &msg
	}
	return out
}

func completeGigResponse(g domain.Gig) CompleteGigResponse {
	out := CompleteGigResponse{Gig: gigResponse(g)}
	if g.ContractResult != nil {
		c := &ContractResponse{Output: *g.ContractResult}
		if g.ContractID != nil {
			c.JobID = *g.ContractID
		}
		out.Contract = c
	}
	return out
}

func myGigsResponse(m engine.MyGigs) MyGigsResponse {
	return MyGigsResponse{
		Posted:   mapGigs(m.Posted),
		Accepted: mapGigs(m.Accepted),
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		Address:    u.Address,
		Reputation: u.Reputation,
		CreatedAt:  u.CreatedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
