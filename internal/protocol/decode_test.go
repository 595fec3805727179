package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-mint-sync/internal/model"
)

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestDecodeLockCreatedNestedEventPayload(t *testing.T) {
	raw := []byte(`{"type":"lock.created","data":{"event":{"payload":{
		"lockId":"LOCK-1","authorizationCode":"MINT-ABC","timestamp":"2026-05-01T09:00:00Z",
		"lockDetails":{"amount":"1000.00","currency":"USD","beneficiary":"0xbene","custodyVault":"0xvault","expiry":"2026-05-02T09:00:00Z"},
		"bankInfo":{"bankId":"BANK-DCB-001","bankName":"Digital Commercial Bank Ltd.","signerAddress":"0xsigner"},
		"signatures":[{"role":"DAES_SIGNER","address":"0x1","hash":"0xh"}],
		"blockchain":{"chainId":1005,"network":"LemonChain","txHash":"0xtx","blockNumber":1234567}
	}}}}`)

	msg, err := Decode(raw, model.SourceTreasury, testNow)
	require.NoError(t, err)
	require.NotNil(t, msg.Delta)
	require.NotNil(t, msg.Delta.Lock)

	l := msg.Delta.Lock
	assert.Equal(t, "LOCK-1", l.LockID)
	assert.Equal(t, "1000.00", l.Amount.StringFixed(2))
	assert.Equal(t, "0xvault", l.CustodyVault)
	assert.Equal(t, "BANK-DCB-001", l.BankInfo.BankID)
	assert.Equal(t, int64(1005), l.Blockchain.ChainID)
	assert.Equal(t, uint64(1234567), l.Blockchain.BlockNumber)
	require.Len(t, l.Signatures, 1)
	assert.Equal(t, "DAES_SIGNER", l.Signatures[0].Role)
	assert.Equal(t, model.SourceTreasury, msg.Delta.Source)
}

func TestDecodeLockAppliesDefaults(t *testing.T) {
	l, err := DecodeLock([]byte(`{"lockId":"L9","amount":250}`), testNow)
	require.NoError(t, err)
	assert.Equal(t, "AUTH-L9", l.AuthorizationCode)
	assert.Equal(t, DefaultCurrency, l.Currency)
	assert.Equal(t, DefaultBankID, l.BankInfo.BankID)
	assert.Equal(t, DefaultBankName, l.BankInfo.BankName)
	assert.Equal(t, testNow, l.Timestamp)
	assert.Equal(t, testNow.Add(DefaultLockTTL), l.Expiry)
	assert.Equal(t, "250", l.Amount.String())
}

func TestDecodeLockFromDatabaseRow(t *testing.T) {
	row := []byte(`{"id":"LOCK-7-XYZ","lock_id":"LOCK-7","authorization_code":"MINT-7","amount":"400.00",
		"custody_vault":"0xv","created_at":"2026-04-30 08:00:00",
		"data":{"lockId":"LOCK-7","lockDetails":{"amount":"1000.00","beneficiary":"0xb"}}}`)
	l, err := DecodeLock(row, testNow)
	require.NoError(t, err)
	assert.Equal(t, "LOCK-7", l.LockID)
	assert.Equal(t, "MINT-7", l.AuthorizationCode)
	assert.Equal(t, "400.00", l.Amount.StringFixed(2), "row column carries the reduced amount")
	assert.Equal(t, "0xb", l.Beneficiary)
	assert.Equal(t, "0xv", l.CustodyVault)
	assert.Equal(t, time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC), l.Timestamp)
}

func TestDecodeLockRequiresID(t *testing.T) {
	_, err := DecodeLock([]byte(`{"amount":"1"}`), testNow)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeApprovalDerivesRemaining(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"lock.approved","data":{"payload":{
		"lockId":"L1","authorizationCode":"AUTH-L1","originalAmount":"1000.00","approvedAmount":"600.00",
		"approvedBy":"ops","approvedAt":"2026-05-01T09:30:00Z"}}}`), model.SourcePlatform, testNow)
	require.NoError(t, err)
	a := msg.Delta.Approval
	require.NotNil(t, a)
	assert.Equal(t, "400.00", a.RemainingAmount.StringFixed(2))
	assert.Equal(t, "ops", a.ApprovedBy)
}

func TestDecodeRejectionKeepsReason(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"lock.rejected","data":{"payload":{
		"lockId":"L2","amount":"250.00","rejectedBy":"risk","reason":"Documentación incompleta"}}}`), model.SourcePlatform, testNow)
	require.NoError(t, err)
	require.NotNil(t, msg.Delta.Rejection)
	assert.Equal(t, "Documentación incompleta", msg.Delta.Rejection.Reason)
	assert.Equal(t, testNow, msg.Delta.Rejection.RejectedAt)
}

func TestDecodeCompletion(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"mint.completed","data":{"payload":{
		"lockId":"L1","authorizationCode":"AUTH-L1","publicationCode":"PUB-1","amount":"400.00",
		"txHash":"0xabc","blockNumber":"0x10","lusdContractAddress":"0xc"}}}`), model.SourcePlatform, testNow)
	require.NoError(t, err)
	c := msg.Delta.Completion
	require.NotNil(t, c)
	assert.Equal(t, uint64(16), c.BlockNumber)
	assert.Equal(t, "0xc", c.ContractAddress)
	assert.Equal(t, "400.00", c.Amount.StringFixed(2))
}

func TestDecodeMintApprovedSetsStatus(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"mint.approved","data":{"id":"r1","authorizationCode":"AUTH-L1"}}`), model.SourcePlatform, testNow)
	require.NoError(t, err)
	require.NotNil(t, msg.Delta.Request)
	assert.Equal(t, model.MintApproved, msg.Delta.Request.Status)
}

func TestDecodeInitialStateFiltersNonPendingLocks(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"initial_state","data":{
		"locks":[{"lockId":"A","status":"pending"},{"lockId":"B","status":"approved"},{"lockId":"C"}],
		"mintRequests":[],
		"completedMints":[{"authorization_code":"AUTH-X","lock_id":"X","amount":"5"}]
	}}`), model.SourcePlatform, testNow)
	require.NoError(t, err)
	require.NotNil(t, msg.Snapshot)
	snap := msg.Snapshot
	require.Len(t, snap.Locks, 2)
	assert.Equal(t, "A", snap.Locks[0].LockID)
	assert.Equal(t, "C", snap.Locks[1].LockID)
	assert.NotNil(t, snap.MintRequests)
	assert.Empty(t, snap.MintRequests)
	require.Len(t, snap.CompletedMints, 1)
	assert.Nil(t, snap.ExplorerEvents)
}

func TestDecodeControlAndUnknownMessages(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"pong","timestamp":1767225600000}`), model.SourcePlatform, testNow)
	require.NoError(t, err)
	assert.Nil(t, msg.Delta)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), msg.Timestamp)

	msg, err = Decode([]byte(`{"type":"publication.created","data":{}}`), model.SourcePlatform, testNow)
	require.NoError(t, err)
	assert.Nil(t, msg.Delta)
	assert.Nil(t, msg.Snapshot)
}

func TestDecodeRejectsInvalidEnvelope(t *testing.T) {
	_, err := Decode([]byte(`{"data":{}}`), model.SourcePlatform, testNow)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`not json`), model.SourcePlatform, testNow)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"type":""}`), model.SourcePlatform, testNow)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeRoundTripsThroughEnvelope(t *testing.T) {
	raw, err := Encode(model.EventSyncRequest, nil, testNow)
	require.NoError(t, err)
	env, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, model.EventSyncRequest, env.Type)
}
