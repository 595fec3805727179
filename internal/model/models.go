package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event sources recorded on audit entries and bus events.
const (
	SourceTreasury = "dcb_treasury"
	SourcePlatform = "lemx_platform"
	SourceLocal    = "local"
	SourcePoller   = "poller"
)

// Signature is one role/address/hash tuple attached to a lock or outbound notification.
type Signature struct {
	Role        string    `json:"role"`
	Address     string    `json:"address"`
	Hash        string    `json:"hash"`
	Signature   string    `json:"signature,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	TxHash      string    `json:"txHash,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
}

// BlockchainRef locates the on-chain record of a lock.
type BlockchainRef struct {
	ChainID     int64  `json:"chainId"`
	Network     string `json:"network,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// BankInfo identifies the bank that raised a lock.
type BankInfo struct {
	BankID        string `json:"bankId"`
	BankName      string `json:"bankName"`
	SignerAddress string `json:"signerAddress,omitempty"`
}

// SourceOfFunds describes the account backing a lock.
type SourceOfFunds struct {
	AccountID       string `json:"accountId,omitempty"`
	AccountName     string `json:"accountName,omitempty"`
	AccountType     string `json:"accountType,omitempty"`
	OriginalBalance string `json:"originalBalance,omitempty"`
}

// ISOData carries optional ISO 20022 references.
type ISOData struct {
	MessageID string `json:"messageId,omitempty"`
	UETR      string `json:"uetr,omitempty"`
	ISOHash   string `json:"isoHash,omitempty"`
}

// LockNotification is a funds lock raised by the remote treasury.
type LockNotification struct {
	LockID            string          `json:"lockId"`
	AuthorizationCode string          `json:"authorizationCode"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Beneficiary       string          `json:"beneficiary"`
	CustodyVault      string          `json:"custodyVault"`
	Expiry            time.Time       `json:"expiry"`
	Timestamp         time.Time       `json:"timestamp"`
	Status            string          `json:"status,omitempty"`
	BankInfo          BankInfo        `json:"bankInfo"`
	SourceOfFunds     SourceOfFunds   `json:"sourceOfFunds"`
	Signatures        []Signature     `json:"signatures"`
	Blockchain        BlockchainRef   `json:"blockchainRef"`
	ISOData           *ISOData        `json:"isoData,omitempty"`
}

// Clone returns a deep copy.
func (l LockNotification) Clone() LockNotification {
	out := l
	out.Signatures = append([]Signature(nil), l.Signatures...)
	if l.ISOData != nil {
		iso := *l.ISOData
		out.ISOData = &iso
	}
	return out
}

// MintRequest is the authorization workflow object derived 1:1 from a lock.
type MintRequest struct {
	ID                  string          `json:"id"`
	AuthorizationCode   string          `json:"authorizationCode"`
	LockID              string          `json:"lockId"`
	RequestedAmount     decimal.Decimal `json:"requestedAmount"`
	TokenSymbol         string          `json:"tokenSymbol"`
	Beneficiary         string          `json:"beneficiary"`
	Status              MintStatus      `json:"status"`
	CreatedAt           time.Time       `json:"createdAt"`
	ExpiresAt           time.Time       `json:"expiresAt"`
	PendingConfirmation bool            `json:"pendingConfirmation,omitempty"`
}

// MintConfirmation is the terminal record of a completed mint.
type MintConfirmation struct {
	AuthorizationCode string          `json:"authorizationCode"`
	LockID            string          `json:"lockId,omitempty"`
	PublicationCode   string          `json:"publicationCode"`
	TxHash            string          `json:"txHash"`
	BlockNumber       uint64          `json:"blockNumber"`
	MintedAmount      decimal.Decimal `json:"mintedAmount"`
	MintedBy          string          `json:"mintedBy"`
	MintedAt          time.Time       `json:"mintedAt"`
	ContractAddress   string          `json:"contractAddress"`
}

// RejectedLock is the append-only record of a declined lock.
type RejectedLock struct {
	LockNotification
	RejectedBy string    `json:"rejectedBy"`
	RejectedAt time.Time `json:"rejectedAt"`
	Reason     string    `json:"reason"`
}

// WebhookEvent is an audit entry for every event observed or emitted. It is also the shape
// fanned out on the event bus.
type WebhookEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature string          `json:"signature"`
	Source    string          `json:"source"`
}

// ExplorerEvent is one entry of the shared mint explorer feed served by the platform.
type ExplorerEvent struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Timestamp         time.Time       `json:"timestamp"`
	LockID            string          `json:"lockId"`
	AuthorizationCode string          `json:"authorizationCode"`
	PublicationCode   string          `json:"publicationCode,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	Actor             string          `json:"actor"`
	Status            string          `json:"status"`
}

// Statistics summarises the mirrored workflow.
type Statistics struct {
	PendingLocks   int             `json:"pendingLocks"`
	PendingMints   int             `json:"pendingMints"`
	ApprovedMints  int             `json:"approvedMints"`
	CompletedMints int             `json:"completedMints"`
	RejectedMints  int             `json:"rejectedMints"`
	RejectedLocks  int             `json:"rejectedLocks"`
	AwaitingRemote int             `json:"awaitingRemote"`
	TotalVolume    decimal.Decimal `json:"totalVolume"`
}
