package mls

import "errors"

// Error kinds produced by the group state machine. Callers can compare
// against these with errors.Is; none of them carry any state-mutating
// side effect, per the "Handle/Commit/Unprotect never mutate state on
// error" invariant.
var (
	ErrProtocol         = errors.New("mls: protocol error")
	ErrInvalidParameter = errors.New("mls: invalid parameter")
	ErrInvalidSignature = errors.New("mls: invalid signature")
	ErrInvalidMAC       = errors.New("mls: invalid confirmation MAC")
	ErrDecryption       = errors.New("mls: decryption failure")
	ErrEpochMismatch    = errors.New("mls: epoch mismatch")
	ErrUnknownProposal  = errors.New("mls: unknown proposal")
)
