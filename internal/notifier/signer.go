package notifier

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"custody-mint-sync/internal/model"
)

// Signature roles attached to outbound decisions.
const (
	RoleDAESApprover    = "DAES_APPROVER"
	RoleBankApprover    = "BANK_APPROVER"
	RoleLEMXApprover    = "LEMX_APPROVER"
	RoleRejection       = "REJECTION_CONTRACT"
	RoleMintContract    = "VUSD_MINT_CONTRACT"
	RoleTreasuryVault   = "TREASURY_VAULT"
	RoleLEMXFinalSigner = "LEMX_FINAL_SIGNER"
)

var (
	approvalRoles   = []string{RoleDAESApprover, RoleBankApprover, RoleLEMXApprover}
	rejectionRoles  = []string{RoleRejection}
	completionRoles = []string{RoleMintContract, RoleTreasuryVault, RoleLEMXFinalSigner}
)

// Signer produces secp256k1 signature tuples over notification payloads.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a hex private key. An empty key yields an ephemeral one.
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey == "" {
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.HexToECDSA(hexKey)
	}
	if err != nil {
		return nil, fmt.Errorf("load signer key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the signer's checksummed address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

func roleHash(role string, payload []byte) common.Hash {
	return crypto.Keccak256Hash([]byte(role), []byte{':'}, payload)
}

// Sign signs keccak256(role ":" payload).
func (s *Signer) Sign(role string, payload []byte, at time.Time) (model.Signature, error) {
	hash := roleHash(role, payload)
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return model.Signature{}, fmt.Errorf("sign %s: %w", role, err)
	}
	return model.Signature{
		Role:      role,
		Address:   s.address.Hex(),
		Hash:      hash.Hex(),
		Signature: hexutil.Encode(sig),
		Timestamp: at.UTC(),
	}, nil
}

// SignAll signs payload once per role, in order.
func (s *Signer) SignAll(roles []string, payload []byte, at time.Time) ([]model.Signature, error) {
	out := make([]model.Signature, 0, len(roles))
	for _, role := range roles {
		sig, err := s.Sign(role, payload, at)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// Verify reports whether sig covers payload and recovers to sig.Address.
func Verify(sig model.Signature, payload []byte) bool {
	hash := roleHash(sig.Role, payload)
	if !strings.EqualFold(hash.Hex(), sig.Hash) {
		return false
	}
	raw, err := hexutil.Decode(sig.Signature)
	if err != nil {
		return false
	}
	pub, err := crypto.SigToPub(hash.Bytes(), raw)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(sig.Address)
}

// WebhookSigner computes the hex HMAC-SHA256 carried on audit events.
type WebhookSigner struct {
	secret []byte
}

// NewWebhookSigner returns nil for an empty secret so audit entries stay unsigned.
func NewWebhookSigner(secret string) *WebhookSigner {
	if secret == "" {
		return nil
	}
	return &WebhookSigner{secret: []byte(secret)}
}

func (w *WebhookSigner) SignPayload(payload []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload compares in constant time.
func (w *WebhookSigner) VerifyPayload(payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}
