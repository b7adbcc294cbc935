// Package model defines internal and external data shapes shared by the API
// server, the issuer and the client. Internal types are used by storage,
// while DTOs are serialized on the wire.
package model

import "time"

// UserRecord is the issuer's internal mapping from a delegated user
// principal to the OIDC subject it was derived from.
type UserRecord struct {
	Principal    []byte    // raw principal bytes
	Subject      string    // OIDC sub claim
	RegisteredAt time.Time // first registration time (UTC)
}

// PendingSignature is a delegation signature the issuer has prepared but the
// client has not yet fetched. Entries are keyed by seed and message hash.
type PendingSignature struct {
	Seed        [32]byte
	MessageHash [32]byte
	Signature   []byte
	CreatedAt   time.Time
}

// AuthenticatedResponseDTO is the body of GET /authenticated.
type AuthenticatedResponseDTO struct {
	SessionPrincipal string `json:"session_principal"`
	UserSub          string `json:"user_sub"`
}

// PrepareDelegationResponse is returned by prepare_delegation.
type PrepareDelegationResponse struct {
	UserKey    []byte `cbor:"user_key"`
	Expiration uint64 `cbor:"expiration"`
}

// DelegationDTO is the wire form of a delegation returned by get_delegation.
// A nil Targets means unrestricted; a pointer to an empty list restricts the
// delegation to no targets at all.
type DelegationDTO struct {
	PubKey     []byte    `cbor:"pubkey"`
	Expiration uint64    `cbor:"expiration"`
	Targets    *[][]byte `cbor:"targets,omitempty"`
}

// SignedDelegationDTO pairs a delegation with its signature.
type SignedDelegationDTO struct {
	Delegation DelegationDTO `cbor:"delegation"`
	Signature  []byte        `cbor:"signature"`
}

// GetDelegationResponse is the two-case result of get_delegation. Exactly
// one field is set.
type GetDelegationResponse struct {
	SignedDelegation *SignedDelegationDTO `cbor:"signed_delegation,omitempty"`
	NoSuchDelegation *struct{}            `cbor:"no_such_delegation,omitempty"`
}

// AuthenticatedReply is returned by the issuer's authenticated probe.
type AuthenticatedReply struct {
	UserSub       string `cbor:"user_sub"`
	UserPrincipal []byte `cbor:"user_principal"`
}

// PrepareDelegationArgs is the argument of prepare_delegation.
type PrepareDelegationArgs struct {
	JWT string `cbor:"jwt"`
}

// GetDelegationArgs is the argument of get_delegation.
type GetDelegationArgs struct {
	JWT        string `cbor:"jwt"`
	Expiration uint64 `cbor:"expiration"`
}
