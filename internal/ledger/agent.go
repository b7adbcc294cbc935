package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/delegation"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/reqhash"
)

// Sender signs requests. A nil Sender sends anonymous requests.
type Sender interface {
	Principal() principal.Principal
	PublicKeyDER() []byte
	Sign(msg []byte) ([]byte, error)
}

// delegatingSender is a Sender acting through a delegation chain.
type delegatingSender interface {
	Sender
	Chain() *delegation.Chain
}

// ErrTransport wraps failures to reach the ledger or decode its answer.
var ErrTransport = errors.New("ledger transport error")

// AgentConfig configures an Agent.
type AgentConfig struct {
	// Host is the ledger API base URL, e.g. http://127.0.0.1:4943.
	Host string
	// Timeout bounds each request; zero means 30s.
	Timeout time.Duration
	// IngressExpiry is how long a signed request stays valid; zero means 5m.
	IngressExpiry time.Duration
	HTTPClient    *http.Client
}

// Agent submits signed envelopes to a ledger host.
type Agent struct {
	cfg    AgentConfig
	logger *slog.Logger
}

// NewAgent returns an Agent. A nil logger uses slog.Default().
func NewAgent(cfg AgentConfig, logger *slog.Logger) *Agent {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.IngressExpiry == 0 {
		cfg.IngressExpiry = 5 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{cfg: cfg, logger: logger}
}

// Call invokes an update method.
func (a *Agent) Call(ctx context.Context, sender Sender, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	return a.submit(ctx, RequestCall, sender, canister, method, arg)
}

// Query invokes a read-only method.
func (a *Agent) Query(ctx context.Context, sender Sender, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	return a.submit(ctx, RequestQuery, sender, canister, method, arg)
}

func (a *Agent) submit(ctx context.Context, kind string, sender Sender, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	env, err := a.envelope(kind, sender, canister, method, arg)
	if err != nil {
		return nil, err
	}
	body, err := Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v2/canister/%s/%s", a.cfg.Host, canister.String(), kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/cbor")

	start := time.Now()
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, kind, method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read reply: %v", ErrTransport, err)
	}
	a.logger.Debug("ledger request", "kind", kind, "method", method, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrTransport, kind, method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out Response
	if err := Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %v", ErrTransport, err)
	}
	switch out.Status {
	case "replied":
		if out.Reply == nil {
			return nil, fmt.Errorf("%w: replied without reply", ErrTransport)
		}
		return out.Reply.Arg, nil
	case "rejected":
		return nil, &RejectError{Code: out.RejectCode, Message: out.RejectMessage}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrTransport, out.Status)
	}
}

func (a *Agent) envelope(kind string, sender Sender, canister principal.Principal, method string, arg []byte) (Envelope, error) {
	if arg == nil {
		arg = []byte{}
	}
	content := Content{
		RequestType:   kind,
		CanisterID:    canister.Bytes(),
		MethodName:    method,
		Arg:           arg,
		IngressExpiry: uint64(time.Now().Add(a.cfg.IngressExpiry).UnixNano()),
	}
	if kind == RequestCall {
		n := uuid.New()
		content.Nonce = n[:]
	}
	if sender == nil {
		content.Sender = principal.Anonymous().Bytes()
		return Envelope{Content: content}, nil
	}
	content.Sender = sender.Principal().Bytes()

	id, err := content.RequestID()
	if err != nil {
		return Envelope{}, fmt.Errorf("request id: %w", err)
	}
	sig, err := sender.Sign(reqhash.SigningMessage(reqhash.DomainRequest, id))
	if err != nil {
		return Envelope{}, fmt.Errorf("sign request: %w", err)
	}
	env := Envelope{Content: content, SenderPubKey: sender.PublicKeyDER(), SenderSig: sig}
	if ds, ok := sender.(delegatingSender); ok {
		for _, sd := range ds.Chain().Delegations {
			env.SenderDelegation = append(env.SenderDelegation, ToDTO(sd))
		}
	}
	return env, nil
}
