package ledger

import (
	"context"
	"fmt"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/delegation"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
)

// Issuer method names.
const (
	MethodPrepareDelegation = "prepare_delegation"
	MethodGetDelegation     = "get_delegation"
	MethodAuthenticated     = "authenticated"
)

// PreparedDelegation is the issuer's commitment for a login attempt.
type PreparedDelegation struct {
	UserKey    []byte // DER public key the delegation will be signed with
	Expiration uint64 // nanoseconds since the unix epoch
}

// GetDelegationResult is one of SignedDelegationResult or NoSuchDelegation.
type GetDelegationResult interface {
	isGetDelegationResult()
}

// SignedDelegationResult carries the prepared delegation.
type SignedDelegationResult struct {
	delegation.SignedDelegation
}

// NoSuchDelegation means the issuer holds no matching prepared delegation.
type NoSuchDelegation struct{}

func (SignedDelegationResult) isGetDelegationResult() {}
func (NoSuchDelegation) isGetDelegationResult()       {}

// DelegationIssuer is the ledger-side service that turns a validated ID
// token into a delegation for the caller's session key. Every method takes
// the caller explicitly.
type DelegationIssuer interface {
	PrepareDelegation(ctx context.Context, caller Sender, jwt string) (PreparedDelegation, error)
	GetDelegation(ctx context.Context, caller Sender, jwt string, expiration uint64) (GetDelegationResult, error)
	Authenticated(ctx context.Context, caller Sender) (model.AuthenticatedReply, error)
}

// IssuerClient implements DelegationIssuer over an Agent.
type IssuerClient struct {
	agent    *Agent
	canister principal.Principal
}

// NewIssuerClient returns a client for the issuer at canister.
func NewIssuerClient(agent *Agent, canister principal.Principal) *IssuerClient {
	return &IssuerClient{agent: agent, canister: canister}
}

func (c *IssuerClient) PrepareDelegation(ctx context.Context, caller Sender, jwt string) (PreparedDelegation, error) {
	arg, err := Marshal(model.PrepareDelegationArgs{JWT: jwt})
	if err != nil {
		return PreparedDelegation{}, err
	}
	raw, err := c.agent.Call(ctx, caller, c.canister, MethodPrepareDelegation, arg)
	if err != nil {
		return PreparedDelegation{}, err
	}
	var resp model.PrepareDelegationResponse
	if err := Unmarshal(raw, &resp); err != nil {
		return PreparedDelegation{}, fmt.Errorf("%w: decode %s reply: %v", ErrTransport, MethodPrepareDelegation, err)
	}
	return PreparedDelegation{UserKey: resp.UserKey, Expiration: resp.Expiration}, nil
}

func (c *IssuerClient) GetDelegation(ctx context.Context, caller Sender, jwt string, expiration uint64) (GetDelegationResult, error) {
	arg, err := Marshal(model.GetDelegationArgs{JWT: jwt, Expiration: expiration})
	if err != nil {
		return nil, err
	}
	raw, err := c.agent.Query(ctx, caller, c.canister, MethodGetDelegation, arg)
	if err != nil {
		return nil, err
	}
	var resp model.GetDelegationResponse
	if err := Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode %s reply: %v", ErrTransport, MethodGetDelegation, err)
	}
	switch {
	case resp.SignedDelegation != nil && resp.NoSuchDelegation == nil:
		sd, err := FromDTO(*resp.SignedDelegation)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return SignedDelegationResult{sd}, nil
	case resp.NoSuchDelegation != nil && resp.SignedDelegation == nil:
		return NoSuchDelegation{}, nil
	default:
		return nil, fmt.Errorf("%w: %s reply is neither signed_delegation nor no_such_delegation", ErrTransport, MethodGetDelegation)
	}
}

func (c *IssuerClient) Authenticated(ctx context.Context, caller Sender) (model.AuthenticatedReply, error) {
	raw, err := c.agent.Query(ctx, caller, c.canister, MethodAuthenticated, nil)
	if err != nil {
		return model.AuthenticatedReply{}, err
	}
	var resp model.AuthenticatedReply
	if err := Unmarshal(raw, &resp); err != nil {
		return model.AuthenticatedReply{}, fmt.Errorf("%w: decode %s reply: %v", ErrTransport, MethodAuthenticated, err)
	}
	return resp, nil
}

var _ DelegationIssuer = (*IssuerClient)(nil)
