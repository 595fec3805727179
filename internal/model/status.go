package model

import (
	"fmt"
	"strings"
)

// MintStatus is the lifecycle state of a MintRequest.
type MintStatus string

const (
	MintPending  MintStatus = "pending"
	MintApproved MintStatus = "approved"
	MintRejected MintStatus = "rejected"
	MintMinted   MintStatus = "minted"
)

// ParseMintStatus accepts the wire spelling of a status; empty maps to pending.
func ParseMintStatus(raw string) (MintStatus, error) {
	switch MintStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MintPending:
		return MintPending, nil
	case MintApproved:
		return MintApproved, nil
	case MintRejected:
		return MintRejected, nil
	case MintMinted, "completed":
		return MintMinted, nil
	default:
		return "", fmt.Errorf("unknown mint status %q", raw)
	}
}

// Terminal reports whether no further transition is possible.
func (s MintStatus) Terminal() bool {
	return s == MintRejected || s == MintMinted
}

// CanTransition reports whether from -> to is a single legal step: pending -> approved or
// rejected, approved -> minted.
func CanTransition(from, to MintStatus) bool {
	switch from {
	case MintPending:
		return to == MintApproved || to == MintRejected
	case MintApproved:
		return to == MintMinted
	default:
		return false
	}
}

// Path returns the legal steps leading from -> to, or nil when to is not ahead of from. A
// pending request reaches minted through an implicit approval.
func Path(from, to MintStatus) []MintStatus {
	if CanTransition(from, to) {
		return []MintStatus{to}
	}
	if CanTransition(from, MintApproved) && CanTransition(MintApproved, to) {
		return []MintStatus{MintApproved, to}
	}
	return nil
}

// MergeStatus returns the status that wins when two observations of the same request disagree.
func MergeStatus(local, remote MintStatus) MintStatus {
	if Path(local, remote) != nil {
		return remote
	}
	return local
}
