package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/delegation"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/reqhash"
)

// Method serves one canister method. caller is the authenticated sender.
// Returning a *RejectError produces a rejected reply with its code; any
// other error is rejected as a canister error.
type Method func(ctx context.Context, caller principal.Principal, arg []byte) ([]byte, error)

// Canister describes the methods served under one canister id.
type Canister struct {
	ID      principal.Principal
	Updates map[string]Method
	Queries map[string]Method
}

// Handler serves the envelope protocol for a single canister.
type Handler struct {
	canister Canister
	now      func() time.Time
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewHandler returns an http.Handler serving canister.
func NewHandler(c Canister, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{canister: c, now: time.Now, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /api/v2/canister/{id}/call", h.serve(RequestCall, c.Updates))
	h.mux.HandleFunc("POST /api/v2/canister/{id}/query", h.serve(RequestQuery, c.Queries))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serve(kind string, methods map[string]Method) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := principal.FromText(r.PathValue("id"))
		if err != nil || !id.Equal(h.canister.ID) {
			http.Error(w, "canister not found", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
		if err != nil {
			http.Error(w, "could not read request", http.StatusBadRequest)
			return
		}
		var env Envelope
		if err := Unmarshal(body, &env); err != nil {
			http.Error(w, "malformed envelope: "+err.Error(), http.StatusBadRequest)
			return
		}
		if env.Content.RequestType != kind || !bytes.Equal(env.Content.CanisterID, h.canister.ID.Bytes()) {
			http.Error(w, "request does not match endpoint", http.StatusBadRequest)
			return
		}
		caller, err := h.authenticate(env)
		if err != nil {
			h.logger.Warn("rejected envelope", "method", env.Content.MethodName, "error", err)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		resp := h.dispatch(r.Context(), methods, caller, env.Content)
		out, err := Marshal(resp)
		if err != nil {
			http.Error(w, "encode reply", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(out)
	}
}

func (h *Handler) dispatch(ctx context.Context, methods map[string]Method, caller principal.Principal, c Content) Response {
	m, ok := methods[c.MethodName]
	if !ok {
		return Response{Status: "rejected", RejectCode: RejectDestinationInvalid, RejectMessage: fmt.Sprintf("method %q not found", c.MethodName)}
	}
	reply, err := m(ctx, caller, c.Arg)
	if err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			return Response{Status: "rejected", RejectCode: rej.Code, RejectMessage: rej.Message}
		}
		h.logger.Error("method failed", "method", c.MethodName, "error", err)
		return Response{Status: "rejected", RejectCode: RejectCanisterError, RejectMessage: err.Error()}
	}
	return Response{Status: "replied", Reply: &Reply{Arg: reply}}
}

// authenticate checks expiry, the sender's key and signature, and any
// delegation chain, and returns the principal the request acts for.
func (h *Handler) authenticate(env Envelope) (principal.Principal, error) {
	now := h.now()
	c := env.Content
	if c.IngressExpiry <= uint64(now.UnixNano()) {
		return principal.Principal{}, fmt.Errorf("request expired")
	}
	sender, err := principal.FromBytes(c.Sender)
	if err != nil {
		return principal.Principal{}, fmt.Errorf("invalid sender: %w", err)
	}
	if sender.IsAnonymous() {
		if env.SenderPubKey != nil || env.SenderSig != nil || env.SenderDelegation != nil {
			return principal.Principal{}, fmt.Errorf("anonymous request must not be signed")
		}
		return sender, nil
	}
	if len(env.SenderPubKey) == 0 || len(env.SenderSig) == 0 {
		return principal.Principal{}, fmt.Errorf("missing sender authentication")
	}
	if !principal.SelfAuthenticating(env.SenderPubKey).Equal(sender) {
		return principal.Principal{}, fmt.Errorf("sender does not match sender_pubkey")
	}

	signingKey := env.SenderPubKey
	if len(env.SenderDelegation) > 0 {
		links := make([]delegation.SignedDelegation, len(env.SenderDelegation))
		for i, dto := range env.SenderDelegation {
			if links[i], err = FromDTO(dto); err != nil {
				return principal.Principal{}, fmt.Errorf("invalid delegation: %w", err)
			}
		}
		chain := delegation.NewChain(env.SenderPubKey, links...)
		if err := chain.Verify(now); err != nil {
			return principal.Principal{}, err
		}
		if !chain.Allows(h.canister.ID) {
			return principal.Principal{}, fmt.Errorf("delegation does not target this canister")
		}
		signingKey = chain.DelegatedKey()
	}

	id, err := c.RequestID()
	if err != nil {
		return principal.Principal{}, fmt.Errorf("request id: %w", err)
	}
	if err := identity.Verify(signingKey, reqhash.SigningMessage(reqhash.DomainRequest, id), env.SenderSig); err != nil {
		return principal.Principal{}, fmt.Errorf("invalid signature: %w", err)
	}
	return sender, nil
}
