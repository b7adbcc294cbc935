// Package ledger talks to ledger-hosted services over the HTTP+CBOR
// envelope protocol, on both the calling and the serving side.
package ledger

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/delegation"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/reqhash"
)

// Request types, also the last path segment of the endpoint.
const (
	RequestCall  = "call"
	RequestQuery = "query"
)

// Reject codes carried in rejected replies.
const (
	RejectSysFatal           uint64 = 1
	RejectSysTransient       uint64 = 2
	RejectDestinationInvalid uint64 = 3
	RejectCanisterReject     uint64 = 4
	RejectCanisterError      uint64 = 5
)

// cborEnc produces deterministic encodings so identical requests are
// byte-identical on the wire.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Marshal encodes v in the envelope's CBOR form.
func Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

// Content is the signed part of a request.
type Content struct {
	RequestType   string `cbor:"request_type"`
	CanisterID    []byte `cbor:"canister_id"`
	MethodName    string `cbor:"method_name"`
	Arg           []byte `cbor:"arg"`
	Sender        []byte `cbor:"sender"`
	IngressExpiry uint64 `cbor:"ingress_expiry"`
	Nonce         []byte `cbor:"nonce,omitempty"`
}

// RequestID is the representation-independent hash of the content.
func (c Content) RequestID() ([32]byte, error) {
	fields := map[string]any{
		"request_type":   c.RequestType,
		"canister_id":    c.CanisterID,
		"method_name":    c.MethodName,
		"arg":            c.Arg,
		"sender":         c.Sender,
		"ingress_expiry": c.IngressExpiry,
	}
	if c.Nonce != nil {
		fields["nonce"] = c.Nonce
	}
	return reqhash.Map(fields)
}

// Envelope wraps content with the sender's authentication.
type Envelope struct {
	Content          Content                     `cbor:"content"`
	SenderPubKey     []byte                      `cbor:"sender_pubkey,omitempty"`
	SenderSig        []byte                      `cbor:"sender_sig,omitempty"`
	SenderDelegation []model.SignedDelegationDTO `cbor:"sender_delegation,omitempty"`
}

// Reply carries the method's return value.
type Reply struct {
	Arg []byte `cbor:"arg"`
}

// Response is either replied or rejected.
type Response struct {
	Status        string `cbor:"status"`
	Reply         *Reply `cbor:"reply,omitempty"`
	RejectCode    uint64 `cbor:"reject_code,omitempty"`
	RejectMessage string `cbor:"reject_message,omitempty"`
}

// RejectError is a rejected call.
type RejectError struct {
	Code    uint64
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("call rejected (code %d): %s", e.Code, e.Message)
}

// Reject builds a RejectError returned by a served method.
func Reject(code uint64, format string, args ...any) error {
	return &RejectError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ToDTO converts a signed delegation to its wire form.
func ToDTO(sd delegation.SignedDelegation) model.SignedDelegationDTO {
	dto := model.SignedDelegationDTO{
		Delegation: model.DelegationDTO{
			PubKey:     sd.Delegation.PubKey,
			Expiration: sd.Delegation.Expiration,
		},
		Signature: sd.Signature,
	}
	if sd.Delegation.Targets != nil {
		targets := make([][]byte, len(sd.Delegation.Targets))
		for i, t := range sd.Delegation.Targets {
			targets[i] = t.Bytes()
		}
		dto.Delegation.Targets = &targets
	}
	return dto
}

// FromDTO converts a wire delegation back, validating target principals.
func FromDTO(dto model.SignedDelegationDTO) (delegation.SignedDelegation, error) {
	sd := delegation.SignedDelegation{
		Delegation: delegation.Delegation{
			PubKey:     dto.Delegation.PubKey,
			Expiration: dto.Delegation.Expiration,
		},
		Signature: dto.Signature,
	}
	if dto.Delegation.Targets != nil {
		sd.Delegation.Targets = make([]principal.Principal, len(*dto.Delegation.Targets))
		for i, raw := range *dto.Delegation.Targets {
			p, err := principal.FromBytes(raw)
			if err != nil {
				return delegation.SignedDelegation{}, fmt.Errorf("target %d: %w", i, err)
			}
			sd.Delegation.Targets[i] = p
		}
	}
	return sd, nil
}
