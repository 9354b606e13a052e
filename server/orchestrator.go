package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/petal-labs/petalboard"
)

// HTTPSubmitterConfig configures the orchestrator HTTP client.
type HTTPSubmitterConfig struct {
	// Endpoint is the orchestrator's message URL.
	Endpoint string

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// Timeout bounds one submission round trip. Default 30s.
	Timeout time.Duration

	Client *http.Client
}

// HTTPSubmitter delivers compiled programs and user replies to the external
// orchestrator over HTTP. Progress comes back separately through the
// inbound event webhook, so a submission only confirms receipt.
type HTTPSubmitter struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPSubmitter creates an HTTPSubmitter.
func NewHTTPSubmitter(cfg HTTPSubmitterConfig) *HTTPSubmitter {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSubmitter{
		endpoint: cfg.Endpoint,
		token:    cfg.AuthToken,
		client:   client,
	}
}

// submitMessage is the wire shape of an orchestrator submission.
type submitMessage struct {
	ContextID   string `json:"context_id"`
	Program     string `json:"program"`
	Instruction string `json:"instruction,omitempty"`
}

// SendMessage implements petalboard.Submitter.
func (s *HTTPSubmitter) SendMessage(ctx context.Context, req petalboard.SubmitRequest) error {
	body, err := json.Marshal(submitMessage{
		ContextID:   req.ContextID,
		Program:     req.Program,
		Instruction: req.Instruction,
	})
	if err != nil {
		return fmt.Errorf("encode orchestrator message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build orchestrator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send orchestrator message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("orchestrator returned %s", resp.Status)
	}
	return nil
}

var _ petalboard.Submitter = (*HTTPSubmitter)(nil)
