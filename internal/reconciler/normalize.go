package reconciler

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"custody-mint-sync/internal/model"
	"custody-mint-sync/internal/protocol"
)

func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// normalizeLock canonicalises identifiers and free text so equal locks compare equal
// regardless of which transport delivered them.
func normalizeLock(l model.LockNotification) model.LockNotification {
	l = l.Clone()
	l.LockID = clean(l.LockID)
	l.AuthorizationCode = clean(l.AuthorizationCode)
	if l.AuthorizationCode == "" {
		l.AuthorizationCode = "AUTH-" + l.LockID
	}
	l.Currency = strings.ToUpper(clean(l.Currency))
	if l.Currency == "" {
		l.Currency = protocol.DefaultCurrency
	}
	l.Beneficiary = clean(l.Beneficiary)
	l.CustodyVault = clean(l.CustodyVault)
	l.BankInfo.BankID = clean(l.BankInfo.BankID)
	l.BankInfo.BankName = clean(l.BankInfo.BankName)
	if l.BankInfo.BankID == "" {
		l.BankInfo.BankID = protocol.DefaultBankID
	}
	if l.BankInfo.BankName == "" {
		l.BankInfo.BankName = protocol.DefaultBankName
	}
	l.SourceOfFunds.AccountName = clean(l.SourceOfFunds.AccountName)
	l.Timestamp = l.Timestamp.UTC()
	l.Expiry = l.Expiry.UTC()
	return l
}

func normalizeRequest(req model.MintRequest) model.MintRequest {
	req.ID = clean(req.ID)
	req.AuthorizationCode = clean(req.AuthorizationCode)
	req.LockID = clean(req.LockID)
	req.Beneficiary = clean(req.Beneficiary)
	req.TokenSymbol = clean(req.TokenSymbol)
	if req.TokenSymbol == "" {
		req.TokenSymbol = protocol.DefaultTokenSymbol
	}
	if req.ID == "" {
		req.ID = req.AuthorizationCode
	}
	if req.Status == "" {
		req.Status = model.MintPending
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.ExpiresAt = req.ExpiresAt.UTC()
	return req
}

// requestFromLock derives the 1:1 mint request of a lock. Its id is the authorization
// code so every transport derives the same request.
func requestFromLock(l model.LockNotification) model.MintRequest {
	return model.MintRequest{
		ID:                l.AuthorizationCode,
		AuthorizationCode: l.AuthorizationCode,
		LockID:            l.LockID,
		RequestedAmount:   l.Amount,
		TokenSymbol:       protocol.DefaultTokenSymbol,
		Beneficiary:       l.Beneficiary,
		Status:            model.MintPending,
		CreatedAt:         l.Timestamp,
		ExpiresAt:         l.Expiry,
	}
}
