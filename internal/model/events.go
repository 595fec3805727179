package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event types carried by the push channel and republished on the bus.
const (
	EventInitialState  = "initial_state"
	EventLockCreated   = "lock.created"
	EventLockApproved  = "lock.approved"
	EventLockRejected  = "lock.rejected"
	EventLockReserve   = "lock.reserve.created"
	EventMintRequested = "mint.requested"
	EventMintApproved  = "mint.approved"
	EventMintRejected  = "mint.rejected"
	EventMintCompleted = "mint.completed"
	EventMintConfirmed = "mint.confirmed"
	EventSandboxReset  = "sandbox.reset"
	EventSnapshot      = "sync.snapshot"
	EventStateReset    = "state.reset"
	EventPing          = "ping"
	EventPong          = "pong"
	EventSyncRequest   = "sync_request"
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth_error"
)

// Approval reports that part or all of a lock was approved for minting.
type Approval struct {
	LockID            string          `json:"lockId"`
	AuthorizationCode string          `json:"authorizationCode"`
	OriginalAmount    decimal.Decimal `json:"originalAmount"`
	ApprovedAmount    decimal.Decimal `json:"approvedAmount"`
	RemainingAmount   decimal.Decimal `json:"remainingAmount"`
	ApprovedBy        string          `json:"approvedBy"`
	ApprovedAt        time.Time       `json:"approvedAt"`
	Beneficiary       string          `json:"beneficiary,omitempty"`
	BankName          string          `json:"bankName,omitempty"`
	Signatures        []Signature     `json:"signatures,omitempty"`
}

// Rejection reports that a lock was declined.
type Rejection struct {
	LockID            string          `json:"lockId"`
	AuthorizationCode string          `json:"authorizationCode"`
	Amount            decimal.Decimal `json:"amount"`
	RejectedBy        string          `json:"rejectedBy"`
	RejectedAt        time.Time       `json:"rejectedAt"`
	Reason            string          `json:"reason"`
	BankName          string          `json:"bankName,omitempty"`
	Signatures        []Signature     `json:"signatures,omitempty"`
}

// Completion reports a finished mint.
type Completion struct {
	LockID            string          `json:"lockId"`
	AuthorizationCode string          `json:"authorizationCode"`
	PublicationCode   string          `json:"publicationCode"`
	Amount            decimal.Decimal `json:"amount"`
	MintedBy          string          `json:"mintedBy"`
	MintedAt          time.Time       `json:"mintedAt"`
	TxHash            string          `json:"txHash"`
	BlockNumber       uint64          `json:"blockNumber"`
	Beneficiary       string          `json:"beneficiary,omitempty"`
	ContractAddress   string          `json:"contractAddress"`
	Signatures        []Signature     `json:"signatures,omitempty"`
}

// Reserve reports a reserve carved out of an approved lock.
type Reserve struct {
	ID     string          `json:"id"`
	LockID string          `json:"lockId"`
	Amount decimal.Decimal `json:"amount"`
}

// Delta is one incremental change. Exactly one of the typed fields is set, matching Type.
type Delta struct {
	Type       string
	Source     string
	Timestamp  time.Time
	Lock       *LockNotification
	Approval   *Approval
	Rejection  *Rejection
	Completion *Completion
	Reserve    *Reserve
	Request    *MintRequest
	Raw        json.RawMessage
}

// Snapshot is a full view of the remote collections. A nil collection is not covered by
// the snapshot and leaves local state alone; an empty one replaces it with nothing.
type Snapshot struct {
	Source         string
	FetchedAt      time.Time
	BaseRevision   uint64
	Locks          []LockNotification
	MintRequests   []MintRequest
	CompletedMints []MintConfirmation
	ExplorerEvents []ExplorerEvent
}
