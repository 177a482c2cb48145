package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// policyTimeout bounds one promotion consult. The gate never holds its
// lock across this call.
const policyTimeout = 5 * time.Second

// PolicyRequest is the input document sent to the policy engine when
// the gate wants to advance the canary fraction.
type PolicyRequest struct {
	Rule     string  `json:"rule"`
	FromPct  int     `json:"from_pct"`
	ToPct    int     `json:"to_pct"`
	Tier     string  `json:"tier"`
	DriftPct float64 `json:"drift_pct"`
	Drawdown float64 `json:"drawdown"`
	Shadow   bool    `json:"shadow"`
}

// PolicyDecision is the engine's verdict.
type PolicyDecision struct {
	Allow  bool
	Rule   string
	Detail string
}

// PolicyDecider answers whether an exposure change is permitted. A
// transport error means "unknown", not "denied": the gate defers the
// change without treating it as a breach.
type PolicyDecider interface {
	Allow(ctx context.Context, req PolicyRequest) (PolicyDecision, error)
}

// HTTPPolicy consults an OPA-style policy endpoint: the request goes
// out as {"input": {...}} and the verdict comes back under "result".
type HTTPPolicy struct {
	httpClient *http.Client
	url        string
	log        zerolog.Logger
}

// NewHTTPPolicy creates a policy client for the given decision URL.
func NewHTTPPolicy(url string, log zerolog.Logger) *HTTPPolicy {
	return &HTTPPolicy{
		httpClient: &http.Client{Timeout: policyTimeout},
		url:        url,
		log:        log.With().Str("client", "policy").Logger(),
	}
}

type policyEnvelope struct {
	Input PolicyRequest `json:"input"`
}

type policyResult struct {
	Result *struct {
		Allow  bool   `json:"allow"`
		Reason string `json:"reason"`
	} `json:"result"`
}

// Allow implements PolicyDecider.
func (p *HTTPPolicy) Allow(ctx context.Context, req PolicyRequest) (PolicyDecision, error) {
	body, err := json.Marshal(policyEnvelope{Input: req})
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("encoding policy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("building policy request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("calling policy engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PolicyDecision{}, fmt.Errorf("policy engine returned status %d", resp.StatusCode)
	}

	var out policyResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PolicyDecision{}, fmt.Errorf("decoding policy response: %w", err)
	}
	if out.Result == nil {
		// An empty result means the rule path does not exist. That is a
		// configuration problem, not a verdict.
		return PolicyDecision{}, fmt.Errorf("policy engine returned no result for rule %q", req.Rule)
	}

	p.log.Debug().Str("rule", req.Rule).Bool("allow", out.Result.Allow).Msg("Policy decision")
	return PolicyDecision{Allow: out.Result.Allow, Rule: req.Rule, Detail: out.Result.Reason}, nil
}
