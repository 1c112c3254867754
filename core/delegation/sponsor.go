package delegation

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"

	"github.com/veworld-labs/wallet-engine/metrics"
	"github.com/veworld-labs/wallet-engine/pkg/logger"
)

// DefaultSponsorTimeout caps how long a co-signing round trip may take. A
// parked sponsor call must never leave the signing flow hanging.
const DefaultSponsorTimeout = 15 * time.Second

// SponsorRequest is the payload POSTed to the sponsor endpoint: the raw
// unsigned transaction body plus the origin that will sign it.
type SponsorRequest struct {
	Raw    string `json:"raw"`
	Origin string `json:"origin"`
}

// SponsorResponse carries the sponsor's co-signature over the transaction.
type SponsorResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

// SponsorClient fetches gas-payer co-signatures from remote sponsor
// services.
type SponsorClient struct {
	httpClient *resty.Client
	metrics    *metrics.EngineMetrics
	logger     logger.Logger
}

// NewSponsorClient creates a sponsor client with the given round-trip
// timeout; zero means DefaultSponsorTimeout.
func NewSponsorClient(timeout time.Duration, m *metrics.EngineMetrics, l logger.Logger) *SponsorClient {
	if timeout <= 0 {
		timeout = DefaultSponsorTimeout
	}
	return &SponsorClient{
		httpClient: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		metrics: m,
		logger:  logger.EnsureLogger(l),
	}
}

// FetchSignature submits the unsigned transaction body to the sponsor and
// returns the co-signature. Timeouts and non-2xx responses are delegation
// failures; the caller decides whether to retry or fall back to self-pay.
func (c *SponsorClient) FetchSignature(ctx context.Context, sponsorURL string, rawBody []byte, origin string) ([]byte, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(&SponsorRequest{Raw: hexutil.Encode(rawBody), Origin: origin}).
		SetResult(&SponsorResponse{}).
		Post(sponsorURL)

	if err != nil {
		c.metrics.IncSponsorFailure()
		return nil, fmt.Errorf("%w: sponsor request: %s", ErrFailure, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		c.metrics.IncSponsorFailure()
		return nil, fmt.Errorf("%w: sponsor returned status %d: %s", ErrFailure, resp.StatusCode(), resp.String())
	}

	result, ok := resp.Result().(*SponsorResponse)
	if !ok || result.Signature == "" {
		c.metrics.IncSponsorFailure()
		return nil, fmt.Errorf("%w: sponsor response missing signature", ErrFailure)
	}

	sig, err := hexutil.Decode(result.Signature)
	if err != nil {
		c.metrics.IncSponsorFailure()
		return nil, fmt.Errorf("%w: malformed sponsor signature: %s", ErrFailure, err)
	}

	c.logger.Debug("sponsor signature fetched", "url", sponsorURL, "sig_len", len(sig))
	return sig, nil
}
