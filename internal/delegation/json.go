package delegation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
)

// Wire shapes of the persisted chain. Byte fields are hex, the expiration is
// a hex string so it survives JSON number precision. Targets is a pointer so
// an empty restriction is written as [] and kept apart from no restriction.
type jsonDelegation struct {
	PubKey     string    `json:"pubkey"`
	Expiration string    `json:"expiration"`
	Targets    *[]string `json:"targets,omitempty"`
}

type jsonSignedDelegation struct {
	Delegation jsonDelegation `json:"delegation"`
	Signature  string         `json:"signature"`
}

type jsonChain struct {
	Delegations []jsonSignedDelegation `json:"delegations"`
	PublicKey   string                 `json:"publicKey"`
}

// MarshalJSON encodes the chain in the ledger agent's JSON form.
func (c *Chain) MarshalJSON() ([]byte, error) {
	out := jsonChain{
		Delegations: make([]jsonSignedDelegation, 0, len(c.Delegations)),
		PublicKey:   hex.EncodeToString(c.PublicKey),
	}
	for _, sd := range c.Delegations {
		jd := jsonDelegation{
			PubKey:     hex.EncodeToString(sd.Delegation.PubKey),
			Expiration: strconv.FormatUint(sd.Delegation.Expiration, 16),
		}
		if sd.Delegation.Targets != nil {
			targets := make([]string, len(sd.Delegation.Targets))
			for i, t := range sd.Delegation.Targets {
				targets[i] = hex.EncodeToString(t.Bytes())
			}
			jd.Targets = &targets
		}
		out.Delegations = append(out.Delegations, jsonSignedDelegation{
			Delegation: jd,
			Signature:  hex.EncodeToString(sd.Signature),
		})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the ledger agent's JSON form. It does not verify
// signatures; call Verify before trusting the result.
func (c *Chain) UnmarshalJSON(data []byte) error {
	var in jsonChain
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	root, err := hex.DecodeString(in.PublicKey)
	if err != nil {
		return fmt.Errorf("publicKey: %w", err)
	}
	links := make([]SignedDelegation, 0, len(in.Delegations))
	for i, jsd := range in.Delegations {
		pub, err := hex.DecodeString(jsd.Delegation.PubKey)
		if err != nil {
			return fmt.Errorf("delegation %d pubkey: %w", i, err)
		}
		exp, err := strconv.ParseUint(jsd.Delegation.Expiration, 16, 64)
		if err != nil {
			return fmt.Errorf("delegation %d expiration: %w", i, err)
		}
		sig, err := hex.DecodeString(jsd.Signature)
		if err != nil {
			return fmt.Errorf("delegation %d signature: %w", i, err)
		}
		d := Delegation{PubKey: pub, Expiration: exp}
		if jsd.Delegation.Targets != nil {
			d.Targets = make([]principal.Principal, len(*jsd.Delegation.Targets))
			for j, th := range *jsd.Delegation.Targets {
				raw, err := hex.DecodeString(th)
				if err != nil {
					return fmt.Errorf("delegation %d target %d: %w", i, j, err)
				}
				if d.Targets[j], err = principal.FromBytes(raw); err != nil {
					return fmt.Errorf("delegation %d target %d: %w", i, j, err)
				}
			}
		}
		links = append(links, SignedDelegation{Delegation: d, Signature: sig})
	}
	c.Delegations = links
	c.PublicKey = root
	return nil
}
