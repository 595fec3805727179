package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"custody-mint-sync/internal/model"
)

// Lock defaults applied when the remote omits a field.
const (
	DefaultCurrency    = "USD"
	DefaultBankID      = "DCB-001"
	DefaultBankName    = "Digital Commercial Bank Ltd."
	DefaultTokenSymbol = "VUSD"
	DefaultLockTTL     = 30 * 24 * time.Hour
)

// Message is a decoded push message. Delta or Snapshot is set for state-bearing types;
// control messages carry only Type and Text.
type Message struct {
	Type      string
	Timestamp time.Time
	Text      string
	Delta     *model.Delta
	Snapshot  *model.Snapshot
}

// Decode validates and decodes one push message. Unknown types decode to a Message with
// neither Delta nor Snapshot.
func Decode(raw []byte, source string, now time.Time) (Message, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Type: env.Type, Text: env.Message, Timestamp: envelopeTime(env.Timestamp, now)}

	delta := func() *model.Delta {
		return &model.Delta{Type: env.Type, Source: source, Timestamp: msg.Timestamp, Raw: env.Data}
	}

	switch env.Type {
	case model.EventInitialState:
		snap, err := DecodeInitialState(env.Data, now)
		if err != nil {
			return msg, err
		}
		snap.Source = source
		msg.Snapshot = &snap
	case model.EventLockCreated:
		lock, err := DecodeLock(Unwrap(env.Data), now)
		if err != nil {
			return msg, err
		}
		d := delta()
		d.Lock = &lock
		msg.Delta = d
	case model.EventLockApproved:
		a, err := DecodeApproval(Unwrap(env.Data))
		if err != nil {
			return msg, err
		}
		d := delta()
		d.Approval = &a
		msg.Delta = d
	case model.EventLockRejected:
		rj, err := DecodeRejection(Unwrap(env.Data), now)
		if err != nil {
			return msg, err
		}
		d := delta()
		d.Rejection = &rj
		msg.Delta = d
	case model.EventMintCompleted:
		c, err := DecodeCompletion(Unwrap(env.Data), now)
		if err != nil {
			return msg, err
		}
		d := delta()
		d.Completion = &c
		msg.Delta = d
	case model.EventLockReserve:
		rs, err := DecodeReserve(Unwrap(env.Data))
		if err != nil {
			return msg, err
		}
		d := delta()
		d.Reserve = &rs
		msg.Delta = d
	case model.EventMintRequested, model.EventMintApproved, model.EventMintRejected:
		req, err := DecodeMintRequest(Unwrap(env.Data), now)
		if err != nil {
			return msg, err
		}
		if !req.Status.Terminal() && req.Status != model.MintApproved {
			switch env.Type {
			case model.EventMintApproved:
				req.Status = model.MintApproved
			case model.EventMintRejected:
				req.Status = model.MintRejected
			}
		}
		d := delta()
		d.Request = &req
		msg.Delta = d
	}
	return msg, nil
}

func envelopeTime(raw json.RawMessage, now time.Time) time.Time {
	if len(raw) == 0 {
		return now.UTC()
	}
	r, err := parseRecord([]byte(`{"t":` + string(raw) + `}`))
	if err != nil {
		return now.UTC()
	}
	if t := r.time("t"); !t.IsZero() {
		return t
	}
	return now.UTC()
}

func malformed(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrMalformed, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}

// DecodeLock normalizes a lock from any of the observed shapes.
func DecodeLock(raw []byte, now time.Time) (model.LockNotification, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return model.LockNotification{}, malformed("lock", err)
	}
	return lockFromRecord(r, now)
}

func lockFromRecord(r record, now time.Time) (model.LockNotification, error) {
	details := r.sub("lockDetails", "lock_details")
	lockID := r.str("lockId", "lock_id")
	if lockID == "" {
		lockID = r.str("id")
	}
	if lockID == "" {
		return model.LockNotification{}, malformed("lock without lockId", nil)
	}

	l := model.LockNotification{
		LockID:            lockID,
		AuthorizationCode: r.str("authorizationCode", "authorization_code"),
		Currency:          firstNonEmpty(details.str("currency"), r.str("currency"), DefaultCurrency),
		Beneficiary:       firstNonEmpty(details.str("beneficiary"), r.str("beneficiary")),
		CustodyVault:      firstNonEmpty(details.str("custodyVault", "custody_vault"), r.str("custodyVault", "custody_vault")),
		Status:            firstNonEmpty(r.str("status"), "pending"),
		Timestamp:         r.time("timestamp", "createdAt", "created_at"),
	}
	if l.AuthorizationCode == "" {
		l.AuthorizationCode = "AUTH-" + lockID
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = now.UTC()
	}

	// A row column "amount" holds the current (possibly reduced) amount; prefer it.
	amount, ok := r.decimal("amount")
	if !ok {
		amount, ok = details.decimal("amount")
	}
	if !ok {
		amount = decimal.Zero
	}
	l.Amount = amount

	l.Expiry = details.time("expiry")
	if l.Expiry.IsZero() {
		l.Expiry = r.time("expiry", "expires_at")
	}
	if l.Expiry.IsZero() {
		l.Expiry = l.Timestamp.Add(DefaultLockTTL)
	}

	bank := r.sub("bankInfo", "bank_info")
	l.BankInfo = model.BankInfo{
		BankID:        firstNonEmpty(bank.str("bankId", "bank_id"), r.str("bank_id"), DefaultBankID),
		BankName:      firstNonEmpty(bank.str("bankName", "bank_name"), r.str("bank_name"), DefaultBankName),
		SignerAddress: bank.str("signerAddress", "signer"),
	}

	src := r.sub("sourceOfFunds", "source_of_funds")
	l.SourceOfFunds = model.SourceOfFunds{
		AccountID:       src.str("accountId", "reference"),
		AccountName:     src.str("accountName"),
		AccountType:     firstNonEmpty(src.str("accountType", "type")),
		OriginalBalance: src.str("originalBalance"),
	}

	chain := r.sub("blockchain", "blockchainRef", "blockchain_ref")
	l.Blockchain = model.BlockchainRef{
		ChainID:     chain.int("chainId", "chain_id"),
		Network:     chain.str("network"),
		TxHash:      chain.str("txHash", "tx_hash"),
		BlockNumber: chain.uint("blockNumber", "block_number"),
	}

	if iso := r.sub("isoData", "iso_data"); len(iso) > 0 {
		l.ISOData = &model.ISOData{
			MessageID: iso.str("messageId", "msgId"),
			UETR:      iso.str("uetr"),
			ISOHash:   iso.str("isoHash", "hash"),
		}
	}

	l.Signatures = signaturesFrom(r.list("signatures"))
	return l, nil
}

func signaturesFrom(items []record) []model.Signature {
	if len(items) == 0 {
		return nil
	}
	out := make([]model.Signature, 0, len(items))
	for _, s := range items {
		out = append(out, model.Signature{
			Role:        s.str("role", "signerRole"),
			Address:     s.str("address", "signer", "signerAddress"),
			Hash:        s.str("hash", "messageHash"),
			Signature:   s.str("signature"),
			Timestamp:   s.time("timestamp", "signedAt"),
			TxHash:      s.str("txHash"),
			BlockNumber: s.uint("blockNumber"),
		})
	}
	return out
}

// DecodeApproval decodes a lock.approved payload. A missing remaining amount is derived as
// original - approved.
func DecodeApproval(raw []byte) (model.Approval, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return model.Approval{}, malformed("approval", err)
	}
	a := model.Approval{
		LockID:            r.str("lockId", "lock_id"),
		AuthorizationCode: r.str("authorizationCode", "authorization_code"),
		ApprovedBy:        r.str("approvedBy", "approved_by"),
		ApprovedAt:        r.time("approvedAt", "approved_at"),
		Beneficiary:       r.str("beneficiary"),
		BankName:          r.str("bankName", "bank_name"),
		Signatures:        signaturesFrom(r.list("signatures")),
	}
	if a.LockID == "" {
		return a, malformed("approval without lockId", nil)
	}
	var okApproved bool
	a.OriginalAmount, _ = r.decimal("originalAmount", "original_amount")
	a.ApprovedAmount, okApproved = r.decimal("approvedAmount", "approved_amount", "amount")
	if !okApproved {
		return a, malformed("approval without approvedAmount", nil)
	}
	remaining, ok := r.decimal("remainingAmount", "remaining_amount")
	if !ok {
		remaining = a.OriginalAmount.Sub(a.ApprovedAmount)
	}
	a.RemainingAmount = remaining
	return a, nil
}

// DecodeRejection decodes a lock.rejected payload.
func DecodeRejection(raw []byte, now time.Time) (model.Rejection, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return model.Rejection{}, malformed("rejection", err)
	}
	rj := model.Rejection{
		LockID:            r.str("lockId", "lock_id"),
		AuthorizationCode: r.str("authorizationCode", "authorization_code"),
		RejectedBy:        r.str("rejectedBy", "rejected_by"),
		RejectedAt:        r.time("rejectedAt", "rejected_at"),
		Reason:            r.str("reason"),
		BankName:          r.str("bankName", "bank_name"),
		Signatures:        signaturesFrom(r.list("signatures")),
	}
	if rj.LockID == "" {
		return rj, malformed("rejection without lockId", nil)
	}
	rj.Amount, _ = r.decimal("amount")
	if rj.RejectedAt.IsZero() {
		rj.RejectedAt = now.UTC()
	}
	return rj, nil
}

// DecodeCompletion decodes a mint.completed payload.
func DecodeCompletion(raw []byte, now time.Time) (model.Completion, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return model.Completion{}, malformed("completion", err)
	}
	c := model.Completion{
		LockID:            r.str("lockId", "lock_id"),
		AuthorizationCode: r.str("authorizationCode", "authorization_code"),
		PublicationCode:   r.str("publicationCode", "publication_code"),
		MintedBy:          r.str("mintedBy", "minted_by"),
		MintedAt:          r.time("mintedAt", "minted_at", "completedAt", "completed_at"),
		TxHash:            r.str("txHash", "tx_hash"),
		BlockNumber:       r.uint("blockNumber", "block_number"),
		Beneficiary:       r.str("beneficiary"),
		ContractAddress:   r.str("contractAddress", "lusdContractAddress", "contract_address"),
		Signatures:        signaturesFrom(r.list("signatures")),
	}
	if c.AuthorizationCode == "" && c.LockID == "" {
		return c, malformed("completion without authorizationCode or lockId", nil)
	}
	c.Amount, _ = r.decimal("amount", "mintedAmount", "minted_amount")
	if c.MintedAt.IsZero() {
		c.MintedAt = now.UTC()
	}
	return c, nil
}

// DecodeReserve decodes a lock.reserve.created payload.
func DecodeReserve(raw []byte) (model.Reserve, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return model.Reserve{}, malformed("reserve", err)
	}
	rs := model.Reserve{
		ID:     r.str("id", "reserveId"),
		LockID: r.str("lockId", "lock_id", "originalLockId", "original_lock_id"),
	}
	rs.Amount, _ = r.decimal("amount")
	if rs.LockID == "" {
		return rs, malformed("reserve without lockId", nil)
	}
	if rs.ID == "" {
		rs.ID = rs.LockID + ":" + rs.Amount.String()
	}
	return rs, nil
}

// DecodeMintRequest decodes a full or partial mint request.
func DecodeMintRequest(raw []byte, now time.Time) (model.MintRequest, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return model.MintRequest{}, malformed("mint request", err)
	}
	return requestFromRecord(r, now)
}

func requestFromRecord(r record, now time.Time) (model.MintRequest, error) {
	req := model.MintRequest{
		ID:                r.str("id"),
		AuthorizationCode: r.str("authorizationCode", "authorization_code", "authCode"),
		LockID:            r.str("lockId", "lock_id"),
		TokenSymbol:       firstNonEmpty(r.str("tokenSymbol", "token_symbol"), DefaultTokenSymbol),
		Beneficiary:       r.str("beneficiary"),
		CreatedAt:         r.time("createdAt", "created_at"),
		ExpiresAt:         r.time("expiresAt", "expires_at"),
	}
	if req.AuthorizationCode == "" {
		return req, malformed("mint request without authorizationCode", nil)
	}
	status, err := model.ParseMintStatus(r.str("status"))
	if err != nil {
		return req, malformed("mint request status", err)
	}
	req.Status = status
	req.RequestedAmount, _ = r.decimal("requestedAmount", "requested_amount", "amount")
	if req.ID == "" {
		req.ID = req.AuthorizationCode
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now.UTC()
	}
	return req, nil
}

// DecodeConfirmation decodes one completed mint record.
func DecodeConfirmation(raw []byte, now time.Time) (model.MintConfirmation, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return model.MintConfirmation{}, malformed("completed mint", err)
	}
	return confirmationFromRecord(r, now)
}

func confirmationFromRecord(r record, now time.Time) (model.MintConfirmation, error) {
	c := model.MintConfirmation{
		AuthorizationCode: r.str("authorizationCode", "authorization_code"),
		LockID:            r.str("lockId", "lock_id"),
		PublicationCode:   r.str("publicationCode", "publication_code"),
		TxHash:            r.str("txHash", "tx_hash"),
		BlockNumber:       r.uint("blockNumber", "block_number"),
		MintedBy:          r.str("mintedBy", "minted_by"),
		MintedAt:          r.time("mintedAt", "minted_at", "completed_at"),
		ContractAddress:   r.str("contractAddress", "lusdContractAddress", "contract_address"),
	}
	if c.AuthorizationCode == "" {
		return c, malformed("completed mint without authorizationCode", nil)
	}
	c.MintedAmount, _ = r.decimal("mintedAmount", "minted_amount", "amount")
	if c.MintedAt.IsZero() {
		c.MintedAt = now.UTC()
	}
	return c, nil
}

// DecodeExplorerEvent decodes one explorer feed entry.
func DecodeExplorerEvent(raw []byte) (model.ExplorerEvent, error) {
	r, err := parseRecord(raw)
	if err != nil {
		return model.ExplorerEvent{}, malformed("explorer event", err)
	}
	return explorerFromRecord(r), nil
}

func explorerFromRecord(r record) model.ExplorerEvent {
	ev := model.ExplorerEvent{
		ID:                r.str("id"),
		Type:              r.str("type"),
		Timestamp:         r.time("timestamp", "created_at"),
		LockID:            r.str("lockId", "lock_id"),
		AuthorizationCode: r.str("authorizationCode", "authorization_code"),
		PublicationCode:   r.str("publicationCode", "publication_code"),
		Description:       r.str("description"),
		Actor:             r.str("actor"),
		Status:            r.str("status"),
	}
	ev.Amount, _ = r.decimal("amount")
	return ev
}

// DecodeLocks decodes a lock list, skipping entries without an id.
func DecodeLocks(raw []byte, now time.Time) ([]model.LockNotification, error) {
	items, err := parseList(raw)
	if err != nil {
		return nil, malformed("lock list", err)
	}
	out := make([]model.LockNotification, 0, len(items))
	for _, it := range items {
		l, err := lockFromRecord(it, now)
		if err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// DecodeMintRequests decodes a request list, skipping entries without a code.
func DecodeMintRequests(raw []byte, now time.Time) ([]model.MintRequest, error) {
	items, err := parseList(raw)
	if err != nil {
		return nil, malformed("mint request list", err)
	}
	out := make([]model.MintRequest, 0, len(items))
	for _, it := range items {
		req, err := requestFromRecord(it, now)
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// DecodeConfirmations decodes a completed-mint list.
func DecodeConfirmations(raw []byte, now time.Time) ([]model.MintConfirmation, error) {
	items, err := parseList(raw)
	if err != nil {
		return nil, malformed("completed mint list", err)
	}
	out := make([]model.MintConfirmation, 0, len(items))
	for _, it := range items {
		c, err := confirmationFromRecord(it, now)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// DecodeExplorerEvents decodes the explorer feed.
func DecodeExplorerEvents(raw []byte) ([]model.ExplorerEvent, error) {
	items, err := parseList(raw)
	if err != nil {
		return nil, malformed("explorer event list", err)
	}
	out := make([]model.ExplorerEvent, 0, len(items))
	for _, it := range items {
		out = append(out, explorerFromRecord(it))
	}
	return out, nil
}

// DecodeInitialState decodes the snapshot sent on connect. Only pending locks are kept;
// collections absent from the message stay nil.
func DecodeInitialState(data json.RawMessage, now time.Time) (model.Snapshot, error) {
	var body struct {
		Locks              json.RawMessage `json:"locks"`
		MintRequests       json.RawMessage `json:"mintRequests"`
		CompletedMints     json.RawMessage `json:"completedMints"`
		MintExplorerEvents json.RawMessage `json:"mintExplorerEvents"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return model.Snapshot{}, malformed("initial_state", err)
	}
	snap := model.Snapshot{FetchedAt: now.UTC()}
	if present(body.Locks) {
		locks, err := DecodeLocks(body.Locks, now)
		if err != nil {
			return snap, err
		}
		snap.Locks = make([]model.LockNotification, 0, len(locks))
		for _, l := range locks {
			if l.Status == "" || strings.EqualFold(l.Status, "pending") {
				snap.Locks = append(snap.Locks, l)
			}
		}
	}
	if present(body.MintRequests) {
		reqs, err := DecodeMintRequests(body.MintRequests, now)
		if err != nil {
			return snap, err
		}
		snap.MintRequests = reqs
	}
	if present(body.CompletedMints) {
		done, err := DecodeConfirmations(body.CompletedMints, now)
		if err != nil {
			return snap, err
		}
		snap.CompletedMints = done
	}
	if present(body.MintExplorerEvents) {
		events, err := DecodeExplorerEvents(body.MintExplorerEvents)
		if err != nil {
			return snap, err
		}
		snap.ExplorerEvents = events
	}
	return snap, nil
}

func present(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
