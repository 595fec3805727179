package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"custody-mint-sync/internal/config"
	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/protocol"
	"custody-mint-sync/internal/reconciler"
	"custody-mint-sync/internal/remote"
)

var (
	// ErrNotificationFailed 表示远端未确认；本地状态已应用并标记为待确认，通知已入重试队列。
	ErrNotificationFailed = errors.New("notifier: remote notification failed")
	ErrUnknownLock        = errors.New("notifier: unknown lock")
	ErrUnknownRequest     = errors.New("notifier: unknown mint request")
	ErrInvalidAmount      = errors.New("notifier: invalid amount")
	ErrInvalidState       = errors.New("notifier: request not in a state that allows this decision")
	ErrTxNotConfirmed     = errors.New("notifier: mint transaction not confirmed on chain")
)

const defaultRetryInterval = 30 * time.Second

// Transport 定义出站通知的投递接口。
type Transport interface {
	Notify(ctx context.Context, path string, payload any) error
}

// Applier 是本地状态的唯一写入口。
type Applier interface {
	ApplyLocal(ctx context.Context, d model.Delta, pending bool) (bool, error)
	Confirm(ctx context.Context, code string) (bool, error)
}

// Lookup 读取当前本地视图。
type Lookup interface {
	Lock(lockID string) (model.LockNotification, bool)
	MintRequest(code string) (model.MintRequest, bool)
}

// ReceiptVerifier 校验铸币交易回执，返回所在区块高度。
type ReceiptVerifier interface {
	VerifyTx(ctx context.Context, txHash string) (uint64, error)
}

// Options 参数化通知器。
type Options struct {
	Config    config.NotifierConfig
	Transport Transport
	Applier   Applier
	Store     Lookup
	Signer    *Signer
	Queue     Queue
	// Verifier is consulted by CompleteMint when set.
	Verifier ReceiptVerifier
	Now      func() time.Time
}

// Notifier 将本地决策（批准、拒绝、完成）签名后发往远端，并立即应用到本地状态。
type Notifier struct {
	opts   Options
	logger zerolog.Logger
}

// New 构造通知器。
func New(opts Options, logger zerolog.Logger) (*Notifier, error) {
	if opts.Transport == nil || opts.Applier == nil || opts.Store == nil {
		return nil, errors.New("notifier: transport, applier and store are required")
	}
	if opts.Signer == nil {
		s, err := NewSigner(opts.Config.SignerKey)
		if err != nil {
			return nil, err
		}
		opts.Signer = s
	}
	if opts.Queue == nil {
		opts.Queue = NewMemoryQueue()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Notifier{opts: opts, logger: logger.With().Str("component", "notifier").Logger()}, nil
}

// Outcome 描述一次决策的结果。
type Outcome struct {
	Applied   bool   `json:"applied"`
	Delivered bool   `json:"delivered"`
	QueuedID  string `json:"queuedId,omitempty"`
	Payload   any    `json:"payload"`
}

// ApproveInput is a full or partial approval of an active lock.
type ApproveInput struct {
	LockID     string
	Amount     decimal.Decimal
	ApprovedBy string
}

// RejectInput declines an active lock.
type RejectInput struct {
	LockID     string
	Reason     string
	RejectedBy string
}

// CompleteInput records a finished mint for an approved request. A zero Amount mints the
// approved amount.
type CompleteInput struct {
	AuthorizationCode string
	Amount            decimal.Decimal
	PublicationCode   string
	TxHash            string
	BlockNumber       uint64
	MintedBy          string
	ContractAddress   string
}

type approvalPayload struct {
	LockID            string            `json:"lockId"`
	AuthorizationCode string            `json:"authorizationCode"`
	OriginalAmount    string            `json:"originalAmount"`
	ApprovedAmount    string            `json:"approvedAmount"`
	RemainingAmount   string            `json:"remainingAmount"`
	ApprovedBy        string            `json:"approvedBy"`
	ApprovedAt        time.Time         `json:"approvedAt"`
	Beneficiary       string            `json:"beneficiary"`
	BankName          string            `json:"bankName"`
	Signatures        []model.Signature `json:"signatures,omitempty"`
}

type rejectionPayload struct {
	LockID            string            `json:"lockId"`
	AuthorizationCode string            `json:"authorizationCode"`
	Amount            string            `json:"amount"`
	RejectedBy        string            `json:"rejectedBy"`
	RejectedAt        time.Time         `json:"rejectedAt"`
	Reason            string            `json:"reason"`
	BankName          string            `json:"bankName"`
	Beneficiary       string            `json:"beneficiary"`
	Signatures        []model.Signature `json:"signatures,omitempty"`
}

type completionPayload struct {
	LockID              string            `json:"lockId"`
	AuthorizationCode   string            `json:"authorizationCode"`
	PublicationCode     string            `json:"publicationCode"`
	Amount              string            `json:"amount"`
	MintedBy            string            `json:"mintedBy"`
	MintedAt            time.Time         `json:"mintedAt"`
	TxHash              string            `json:"txHash"`
	BlockNumber         uint64            `json:"blockNumber"`
	Beneficiary         string            `json:"beneficiary"`
	BankName            string            `json:"bankName"`
	LUSDContractAddress string            `json:"lusdContractAddress"`
	Signatures          []model.Signature `json:"signatures,omitempty"`
}

// ApproveLock 批准锁定的全部或部分金额。
func (n *Notifier) ApproveLock(ctx context.Context, in ApproveInput) (Outcome, error) {
	lock, ok := n.opts.Store.Lock(strings.TrimSpace(in.LockID))
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownLock, in.LockID)
	}
	if !in.Amount.IsPositive() || in.Amount.GreaterThan(lock.Amount) || !centPrecision(in.Amount) {
		return Outcome{}, fmt.Errorf("%w: approve %s of %s", ErrInvalidAmount, in.Amount, lock.Amount)
	}
	if req, ok := n.opts.Store.MintRequest(lock.AuthorizationCode); ok && req.Status != model.MintPending {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, req.AuthorizationCode, req.Status)
	}

	now := n.opts.Now().UTC()
	approvedBy := firstNonEmpty(in.ApprovedBy, n.opts.Signer.Address())
	remaining := lock.Amount.Sub(in.Amount)
	payload := approvalPayload{
		LockID:            lock.LockID,
		AuthorizationCode: lock.AuthorizationCode,
		OriginalAmount:    wireAmount(lock.Amount),
		ApprovedAmount:    wireAmount(in.Amount),
		RemainingAmount:   wireAmount(remaining),
		ApprovedBy:        approvedBy,
		ApprovedAt:        now,
		Beneficiary:       lock.Beneficiary,
		BankName:          lock.BankInfo.BankName,
	}
	sigs, err := n.sign(approvalRoles, payload, now)
	if err != nil {
		return Outcome{}, err
	}
	payload.Signatures = sigs

	delta := model.Delta{
		Type:      model.EventLockApproved,
		Timestamp: now,
		Approval: &model.Approval{
			LockID:            lock.LockID,
			AuthorizationCode: lock.AuthorizationCode,
			OriginalAmount:    lock.Amount,
			ApprovedAmount:    in.Amount,
			RemainingAmount:   remaining,
			ApprovedBy:        approvedBy,
			ApprovedAt:        now,
			Beneficiary:       lock.Beneficiary,
			BankName:          lock.BankInfo.BankName,
			Signatures:        sigs,
		},
	}
	return n.dispatch(ctx, remote.PathLockApproved, lock.AuthorizationCode, payload, delta)
}

// RejectLock 拒绝锁定，锁定移入拒绝列表。
func (n *Notifier) RejectLock(ctx context.Context, in RejectInput) (Outcome, error) {
	lock, ok := n.opts.Store.Lock(strings.TrimSpace(in.LockID))
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownLock, in.LockID)
	}
	if req, ok := n.opts.Store.MintRequest(lock.AuthorizationCode); ok && req.Status.Terminal() {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, req.AuthorizationCode, req.Status)
	}

	now := n.opts.Now().UTC()
	rejectedBy := firstNonEmpty(in.RejectedBy, n.opts.Signer.Address())
	payload := rejectionPayload{
		LockID:            lock.LockID,
		AuthorizationCode: lock.AuthorizationCode,
		Amount:            wireAmount(lock.Amount),
		RejectedBy:        rejectedBy,
		RejectedAt:        now,
		Reason:            in.Reason,
		BankName:          lock.BankInfo.BankName,
		Beneficiary:       lock.Beneficiary,
	}
	sigs, err := n.sign(rejectionRoles, payload, now)
	if err != nil {
		return Outcome{}, err
	}
	payload.Signatures = sigs

	delta := model.Delta{
		Type:      model.EventLockRejected,
		Timestamp: now,
		Rejection: &model.Rejection{
			LockID:            lock.LockID,
			AuthorizationCode: lock.AuthorizationCode,
			Amount:            lock.Amount,
			RejectedBy:        rejectedBy,
			RejectedAt:        now,
			Reason:            in.Reason,
			BankName:          lock.BankInfo.BankName,
			Signatures:        sigs,
		},
	}
	return n.dispatch(ctx, remote.PathLockRejected, lock.AuthorizationCode, payload, delta)
}

// CompleteMint 记录已完成的铸币。配置 verify_mint_tx 时先在链上校验交易回执。
func (n *Notifier) CompleteMint(ctx context.Context, in CompleteInput) (Outcome, error) {
	code := strings.TrimSpace(in.AuthorizationCode)
	req, ok := n.opts.Store.MintRequest(code)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownRequest, code)
	}
	if req.Status != model.MintApproved {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, code, req.Status)
	}

	lock, hasLock := n.opts.Store.Lock(req.LockID)
	amount := in.Amount
	if amount.IsZero() {
		amount = req.RequestedAmount
	}
	// The approved amount bounds the mint; while the lock is still active its remaining
	// authorization may be minted instead.
	limit := req.RequestedAmount
	if hasLock && lock.Amount.GreaterThan(limit) {
		limit = lock.Amount
	}
	if !amount.IsPositive() || amount.GreaterThan(limit) || (!in.Amount.IsZero() && !centPrecision(amount)) {
		return Outcome{}, fmt.Errorf("%w: mint %s, at most %s", ErrInvalidAmount, amount, limit)
	}

	block := in.BlockNumber
	if n.opts.Verifier != nil && in.TxHash != "" {
		confirmed, err := n.opts.Verifier.VerifyTx(ctx, in.TxHash)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %s: %w", ErrTxNotConfirmed, in.TxHash, err)
		}
		if block == 0 {
			block = confirmed
		}
	}

	now := n.opts.Now().UTC()
	mintedBy := firstNonEmpty(in.MintedBy, n.opts.Signer.Address())
	payload := completionPayload{
		LockID:              req.LockID,
		AuthorizationCode:   code,
		PublicationCode:     firstNonEmpty(in.PublicationCode, publicationCode()),
		Amount:              wireAmount(amount),
		MintedBy:            mintedBy,
		MintedAt:            now,
		TxHash:              in.TxHash,
		BlockNumber:         block,
		Beneficiary:         firstNonEmpty(req.Beneficiary, lock.Beneficiary),
		BankName:            firstNonEmpty(lock.BankInfo.BankName, protocol.DefaultBankName),
		LUSDContractAddress: in.ContractAddress,
	}
	sigs, err := n.sign(completionRoles, payload, now)
	if err != nil {
		return Outcome{}, err
	}
	for i := range sigs {
		if sigs[i].Role == RoleMintContract {
			sigs[i].TxHash = in.TxHash
			sigs[i].BlockNumber = block
		}
	}
	payload.Signatures = sigs

	delta := model.Delta{
		Type:      model.EventMintCompleted,
		Timestamp: now,
		Completion: &model.Completion{
			LockID:            req.LockID,
			AuthorizationCode: code,
			PublicationCode:   payload.PublicationCode,
			Amount:            amount,
			MintedBy:          mintedBy,
			MintedAt:          now,
			TxHash:            in.TxHash,
			BlockNumber:       block,
			Beneficiary:       payload.Beneficiary,
			ContractAddress:   in.ContractAddress,
			Signatures:        sigs,
		},
	}
	return n.dispatch(ctx, remote.PathMintCompleted, code, payload, delta)
}

// centPrecision reports whether d fits the two-decimal wire format without rounding.
func centPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(2))
}

// wireAmount renders d with two decimals, keeping extra precision from remote amounts rather
// than rounding it away.
func wireAmount(d decimal.Decimal) string {
	if centPrecision(d) {
		return d.StringFixed(2)
	}
	return d.String()
}

// sign covers the payload as marshalled before signatures are attached.
func (n *Notifier) sign(roles []string, payload any, at time.Time) ([]model.Signature, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return n.opts.Signer.SignAll(roles, raw, at)
}

// dispatch posts the notification and applies the local mutation whatever the outcome.
// A failed post leaves the request flagged pending and queues the payload for retry.
func (n *Notifier) dispatch(ctx context.Context, path, code string, payload any, delta model.Delta) (Outcome, error) {
	out := Outcome{Payload: payload}
	sendErr := n.send(ctx, path, payload)
	out.Delivered = sendErr == nil

	applied, err := n.opts.Applier.ApplyLocal(ctx, delta, sendErr != nil)
	out.Applied = applied
	if err != nil {
		if sendErr != nil {
			return out, errors.Join(err, fmt.Errorf("%w: %w", ErrNotificationFailed, sendErr))
		}
		return out, fmt.Errorf("apply local decision: %w", err)
	}

	if sendErr == nil {
		n.logger.Info().Str("path", path).Str("authorization_code", code).Msg("decision delivered")
		return out, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("marshal payload: %w", err)
	}
	p := Pending{
		ID:                uuid.NewString(),
		Path:              path,
		AuthorizationCode: code,
		Payload:           raw,
		Attempts:          1,
		LastError:         sendErr.Error(),
		CreatedAt:         n.opts.Now().UTC(),
	}
	if qerr := n.opts.Queue.Push(p); qerr != nil {
		n.logger.Error().Err(qerr).Str("authorization_code", code).Msg("could not queue notification")
	} else {
		out.QueuedID = p.ID
	}
	n.logger.Warn().Err(sendErr).Str("path", path).Str("authorization_code", code).
		Msg("远端通知失败，本地状态已应用，等待重试")
	return out, fmt.Errorf("%w: %w", ErrNotificationFailed, sendErr)
}

func (n *Notifier) send(ctx context.Context, path string, payload any) error {
	if t := n.opts.Config.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return n.opts.Transport.Notify(ctx, path, payload)
}

// Pending 返回尚未被远端确认的通知。
func (n *Notifier) Pending() []Pending {
	return n.opts.Queue.List()
}

// DropPending discards every queued notification and returns how many were removed.
func (n *Notifier) DropPending() int {
	dropped := 0
	for _, p := range n.opts.Queue.List() {
		if err := n.opts.Queue.Remove(p.ID); err != nil {
			n.logger.Warn().Err(err).Str("id", p.ID).Msg("could not drop queued notification")
			continue
		}
		dropped++
	}
	return dropped
}

// RetryPending resends every queued notification once and returns how many were delivered.
func (n *Notifier) RetryPending(ctx context.Context) (int, error) {
	delivered := 0
	var errs []error
	for _, p := range n.opts.Queue.List() {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := n.send(ctx, p.Path, p.Payload); err != nil {
			p.Attempts++
			p.LastError = err.Error()
			if uerr := n.opts.Queue.Update(p); uerr != nil {
				errs = append(errs, uerr)
			}
			continue
		}
		delivered++
		if err := n.opts.Queue.Remove(p.ID); err != nil {
			errs = append(errs, err)
		}
		if _, err := n.opts.Applier.Confirm(ctx, p.AuthorizationCode); err != nil && !errors.Is(err, reconciler.ErrConflict) {
			errs = append(errs, err)
		}
		n.logger.Info().Str("path", p.Path).Str("authorization_code", p.AuthorizationCode).
			Int("attempts", p.Attempts).Msg("queued decision delivered")
	}
	return delivered, errors.Join(errs...)
}

// RunRetries 按固定间隔重发队列中的通知，直到 ctx 取消。
func (n *Notifier) RunRetries(ctx context.Context) error {
	interval := n.opts.Config.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n.opts.Queue.Len() == 0 {
				continue
			}
			if _, err := n.RetryPending(ctx); err != nil && ctx.Err() == nil {
				n.logger.Warn().Err(err).Msg("retry pass failed")
			}
		}
	}
}

func publicationCode() string {
	return "PUB-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
