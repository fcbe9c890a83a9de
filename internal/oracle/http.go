package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/terminal-bench/rasterflow/pkg/circuit"
)

// HTTPOracle calls a model-serving endpoint. Requests carry the tile pixels
// base64-encoded with the prompt; the endpoint replies with free text. A
// circuit breaker keeps a dead model server from absorbing every attempt.
type HTTPOracle struct {
	url     string
	client  *http.Client
	breaker *circuit.Breaker
}

// NewHTTP returns an oracle backed by the serving endpoint at url.
func NewHTTP(url string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPOracle{
		url:    url,
		client: &http.Client{Timeout: timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		}),
	}
}

type answerRequest struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Image  string `json:"image"` // RGB, band-sequential, one byte per sample
	Prompt string `json:"prompt"`
}

type answerResponse struct {
	Answer string `json:"answer"`
}

// Answer asks the model server about the region.
func (o *HTTPOracle) Answer(ctx context.Context, img ImageRegion, prompt string, choices []string) (string, error) {
	raw := make([]byte, 0, img.Width*img.Height*len(img.Bands))
	for _, band := range img.Bands {
		for _, v := range band {
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			raw = append(raw, byte(v))
		}
	}

	body, err := json.Marshal(answerRequest{
		Width:  img.Width,
		Height: img.Height,
		Image:  base64.StdEncoding.EncodeToString(raw),
		Prompt: prompt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal oracle request: %w", err)
	}

	var answer string
	err = o.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build oracle request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach oracle: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("oracle returned status %d", resp.StatusCode)
		}
		var out answerResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode oracle response: %w", err)
		}
		answer = out.Answer
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}
