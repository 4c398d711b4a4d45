package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// FalProber checks request status against the fal.ai queue API.
type FalProber struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// falStatusResponse is the subset of the queue status payload the prober
// reads.
type falStatusResponse struct {
	Status      string   `json:"status"`
	ResponseURL string   `json:"response_url"`
	URLs        []string `json:"urls"`
	Output      *struct {
		URL  string   `json:"url"`
		URLs []string `json:"urls"`
	} `json:"output"`
}

// Probe resolves the remote state of a fal.ai queue request.
func (p *FalProber) Probe(ctx context.Context, provider, model, requestID string) (*ProbeResult, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/%s/requests/%s/status", strings.TrimSuffix(p.BaseURL, "/"), model, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Key "+p.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status probe %s: status %d", requestID, resp.StatusCode)
	}

	var parsed falStatusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	result := &ProbeResult{}
	switch strings.ToUpper(parsed.Status) {
	case "IN_PROGRESS":
		result.State = StateInProgress
	case "IN_QUEUE":
		result.State = StateInQueue
	case "COMPLETED", "OK":
		result.State = StateCompleted
	default:
		result.State = StateFailed
	}

	switch {
	case parsed.Output != nil && len(parsed.Output.URLs) > 0:
		result.URLs = parsed.Output.URLs
	case parsed.Output != nil && parsed.Output.URL != "":
		result.URLs = []string{parsed.Output.URL}
	case len(parsed.URLs) > 0:
		result.URLs = parsed.URLs
	case parsed.ResponseURL != "":
		result.URLs = []string{parsed.ResponseURL}
	}
	return result, nil
}
