package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Features is the vector handed to the ML scorers.
type Features struct {
	Amount      float64 `json:"amount"`
	VehicleType string  `json:"vehicle_type"`
	TrustScore  int     `json:"trust_score"`
	HourOfDay   int     `json:"hour_of_day"`
	ReaderID    string  `json:"reader_id"`
}

// Scores carries the two model probabilities and the isolation flag.
// Nil probabilities mean the scorer was unavailable and participate as
// neutral in fusion.
type Scores struct {
	ModelA  *float64 `json:"model_a"`
	ModelB  *float64 `json:"model_b"`
	IsoFlag int      `json:"iso_flag"`
}

// Scorer is the ML collaborator contract. Three variants exist: the HTTP
// scorer for a real model service, the mock for development, and the
// null scorer which always returns neutral.
type Scorer interface {
	Score(ctx context.Context, f Features) (Scores, error)
}

// NullScorer always returns neutral scores.
type NullScorer struct{}

func (NullScorer) Score(ctx context.Context, f Features) (Scores, error) {
	return Scores{}, nil
}

// MockScorer emits deterministic heuristic probabilities so development
// runs exercise the fusion path without a model service.
type MockScorer struct{}

func (MockScorer) Score(ctx context.Context, f Features) (Scores, error) {
	base := 0.1
	if f.Amount > 1000 {
		base += 0.3
	}
	if f.Amount <= 0 {
		base += 0.5
	}
	if f.TrustScore < 50 {
		base += 0.2
	}
	b := min(base, 0.9)
	a := min(base*0.8, 0.85)
	iso := 0
	if base > 0.5 {
		iso = 1
	}
	return Scores{ModelA: &a, ModelB: &b, IsoFlag: iso}, nil
}

// HTTPScorer calls an external model service. Any transport or decode
// failure degrades to neutral scores; the caller logs and proceeds.
type HTTPScorer struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

func (s *HTTPScorer) Score(ctx context.Context, f Features) (Scores, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return Scores{}, fmt.Errorf("marshal features: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return Scores{}, fmt.Errorf("build scorer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return Scores{}, fmt.Errorf("scorer call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Scores{}, fmt.Errorf("scorer returned %d", resp.StatusCode)
	}

	var out Scores
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Scores{}, fmt.Errorf("decode scorer response: %w", err)
	}
	return out, nil
}
