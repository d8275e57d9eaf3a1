package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/machpay-xyz/settlement-engine/internal/batch"
)

// HTTPClient talks to the chain collaborator's submission service over
// HTTP. Responses carry an error code the client maps onto the
// transient/fatal taxonomy; anything at the network layer is transient.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	logger   *log.Logger
}

// NewHTTPClient creates a client for the given collaborator endpoint.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		logger:   log.New(log.Writer(), "[ChainClient] ", log.LstdFlags),
	}
}

type submitResponse struct {
	TxReference string `json:"tx_reference"`
	ErrorCode   string `json:"error_code,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

type confirmResponse struct {
	Status string `json:"status"` // confirmed | failed | unknown
}

func (c *HTTPClient) Submit(ctx context.Context, b *batch.SettlementBatch) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"batch_id":     b.ID,
		"instructions": b.Instructions,
	})
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/submit", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures are unknown-outcome; the
		// executor confirms before any resubmission.
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	var body submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &TransientError{Err: fmt.Errorf("decode submit response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK && body.ErrorCode == "":
		return body.TxReference, nil
	case body.ErrorCode == ReasonInsufficientCollateral:
		return "", &FatalError{Reason: ReasonInsufficientCollateral, AgentID: body.AgentID}
	case resp.StatusCode >= 500:
		return "", &TransientError{Err: fmt.Errorf("chain submit %d: %s", resp.StatusCode, body.Message)}
	default:
		c.logger.Printf("⚠️  Unclassified submit failure (%d, code=%s): %s", resp.StatusCode, body.ErrorCode, body.Message)
		return "", &TransientError{Err: fmt.Errorf("chain submit %d (%s)", resp.StatusCode, body.ErrorCode)}
	}
}

func (c *HTTPClient) Confirm(ctx context.Context, txRef string) (ConfirmStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/confirm/"+txRef, nil)
	if err != nil {
		return ConfirmUnknown, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ConfirmUnknown, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	var body confirmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ConfirmUnknown, &TransientError{Err: fmt.Errorf("decode confirm response: %w", err)}
	}
	switch body.Status {
	case "confirmed":
		return ConfirmConfirmed, nil
	case "failed":
		return ConfirmFailed, nil
	default:
		return ConfirmUnknown, nil
	}
}

var _ Client = (*HTTPClient)(nil)
