package issuer

import (
	"context"
	"fmt"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/ledger"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
)

// Canister exposes the issuer's methods for ledger.NewHandler.
func (i *Issuer) Canister() ledger.Canister {
	return ledger.Canister{
		ID: i.cfg.CanisterID,
		Updates: map[string]ledger.Method{
			ledger.MethodPrepareDelegation: i.servePrepare,
		},
		Queries: map[string]ledger.Method{
			ledger.MethodGetDelegation: i.serveGet,
			ledger.MethodAuthenticated: i.serveAuthenticated,
		},
	}
}

func (i *Issuer) servePrepare(ctx context.Context, caller principal.Principal, arg []byte) ([]byte, error) {
	var args model.PrepareDelegationArgs
	if err := ledger.Unmarshal(arg, &args); err != nil {
		return nil, ledger.Reject(ledger.RejectCanisterReject, "decode arguments: %v", err)
	}
	resp, err := i.PrepareDelegation(ctx, caller, args.JWT)
	if err != nil {
		return nil, err
	}
	return ledger.Marshal(resp)
}

func (i *Issuer) serveGet(ctx context.Context, caller principal.Principal, arg []byte) ([]byte, error) {
	var args model.GetDelegationArgs
	if err := ledger.Unmarshal(arg, &args); err != nil {
		return nil, ledger.Reject(ledger.RejectCanisterReject, "decode arguments: %v", err)
	}
	res, err := i.GetDelegation(ctx, caller, args.JWT, args.Expiration)
	if err != nil {
		return nil, err
	}
	var resp model.GetDelegationResponse
	switch r := res.(type) {
	case ledger.SignedDelegationResult:
		dto := ledger.ToDTO(r.SignedDelegation)
		resp.SignedDelegation = &dto
	case ledger.NoSuchDelegation:
		resp.NoSuchDelegation = &struct{}{}
	default:
		return nil, fmt.Errorf("unexpected result %T", res)
	}
	return ledger.Marshal(resp)
}

func (i *Issuer) serveAuthenticated(ctx context.Context, caller principal.Principal, _ []byte) ([]byte, error) {
	reply, err := i.Authenticated(ctx, caller)
	if err != nil {
		return nil, err
	}
	return ledger.Marshal(reply)
}

// Local adapts an Issuer to ledger.DelegationIssuer in-process. Callers are
// identified by their principal only; no envelope signature is involved.
type Local struct {
	*Issuer
}

func callerOf(s ledger.Sender) principal.Principal {
	if s == nil {
		return principal.Anonymous()
	}
	return s.Principal()
}

func (l Local) PrepareDelegation(ctx context.Context, caller ledger.Sender, jwt string) (ledger.PreparedDelegation, error) {
	resp, err := l.Issuer.PrepareDelegation(ctx, callerOf(caller), jwt)
	if err != nil {
		return ledger.PreparedDelegation{}, err
	}
	return ledger.PreparedDelegation{UserKey: resp.UserKey, Expiration: resp.Expiration}, nil
}

func (l Local) GetDelegation(ctx context.Context, caller ledger.Sender, jwt string, expiration uint64) (ledger.GetDelegationResult, error) {
	return l.Issuer.GetDelegation(ctx, callerOf(caller), jwt, expiration)
}

func (l Local) Authenticated(ctx context.Context, caller ledger.Sender) (model.AuthenticatedReply, error) {
	return l.Issuer.Authenticated(ctx, callerOf(caller))
}

var _ ledger.DelegationIssuer = Local{}
