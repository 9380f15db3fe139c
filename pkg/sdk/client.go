// Package sdk is the reader-side client for the HTMS toll backend.
//
// This is the library toll-plaza reader firmware embeds to submit scans:
// it signs each event with the reader's HMAC secret, keeps the reader's
// clock within the backend's accepted drift via the /time endpoint, and
// decodes the backend's decision or rejection.
//
// Quick Start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL:  "https://toll.example.com",
//	    ReaderID: "plaza-7-lane-2",
//	    Secret:   secret, // from registration, kept in the secure element
//	})
//
//	result, err := client.SubmitToll(ctx, tagHash)
//	if err == nil && result.Decision == sdk.DecisionAllow {
//	    openBarrier()
//	}
package sdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Config holds the reader client configuration.
type Config struct {
	// BaseURL is the backend endpoint (required)
	BaseURL string

	// ReaderID identifies this reader (required)
	ReaderID string

	// Secret is the reader's HMAC key from registration (required)
	Secret []byte

	// KeyVersion is the current key generation; bump after a rotation
	KeyVersion int

	// Timeout for backend requests (default 10s)
	Timeout time.Duration

	// OnBlock is called when the backend blocks a passage
	OnBlock func(result *TollResult)
}

// Client submits signed toll events for one reader.
type Client struct {
	config     Config
	httpClient *http.Client

	// skewSeconds is backend time minus local time, set by SyncTime.
	skewSeconds atomic.Int64
}

// NewClient creates a reader client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.KeyVersion == 0 {
		cfg.KeyVersion = 1
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// SyncTime fetches the backend clock and records the skew applied to
// later submissions. Readers with drifting clocks should call this
// periodically or after a STALE_TIMESTAMP rejection.
func (c *Client) SyncTime(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.config.BaseURL+"/time", nil)
	if err != nil {
		return fmt.Errorf("htms-sdk: build time request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("htms-sdk: time request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("htms-sdk: read time response: %w", err)
	}
	server, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil {
		return fmt.Errorf("htms-sdk: parse time response %q: %w", raw, err)
	}

	c.skewSeconds.Store(server - time.Now().UTC().Unix())
	return nil
}

// SubmitToll signs and submits one tag scan. A non-nil TollResult with
// Rejected set means the backend refused the submission; the error is
// reserved for transport and decode failures.
func (c *Client) SubmitToll(ctx context.Context, tagHash string) (*TollResult, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: nonce generation failed: %w", err)
	}

	ts := time.Now().UTC().Unix() + c.skewSeconds.Load()
	ev := TollEvent{
		TagHash:    tagHash,
		ReaderID:   c.config.ReaderID,
		Timestamp:  ts,
		Nonce:      nonce,
		Signature:  sign(c.config.Secret, tagHash, c.config.ReaderID, ts, nonce),
		KeyVersion: c.config.KeyVersion,
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		c.config.BaseURL+"/api/toll", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: build toll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: toll request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: read toll response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var rejection struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(raw, &rejection); err != nil {
			return nil, fmt.Errorf("htms-sdk: backend returned %d: %s", resp.StatusCode, raw)
		}
		return &TollResult{
			Rejected:   true,
			ErrorCode:  rejection.Error,
			Detail:     rejection.Detail,
			HTTPStatus: resp.StatusCode,
		}, nil
	}

	var result TollResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("htms-sdk: parse toll response: %w", err)
	}
	result.HTTPStatus = resp.StatusCode

	if result.Decision == DecisionBlock && c.config.OnBlock != nil {
		c.config.OnBlock(&result)
	}
	return &result, nil
}

// GetCard looks up the prepaid account behind a tag hash.
func (c *Client) GetCard(ctx context.Context, tagHash string) (*Card, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.config.BaseURL+"/api/card/"+tagHash, nil)
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: build card request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: card request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("htms-sdk: card lookup returned %d", resp.StatusCode)
	}
	var card Card
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("htms-sdk: parse card response: %w", err)
	}
	return &card, nil
}

// RespondChallenge answers one probation challenge. The payload fields
// depend on the challenge type: KNOWN_TAG and HASH_VERIFY need tagHash
// and hash, TIMING is answered by the call itself landing inside the
// window.
func (c *Client) RespondChallenge(ctx context.Context, challengeID, tagHash, nonce, hash string) (*ChallengeResult, error) {
	body, err := json.Marshal(map[string]string{
		"challenge_id": challengeID,
		"tag_hash":     tagHash,
		"nonce":        nonce,
		"hash":         hash,
	})
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: marshal challenge response: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		c.config.BaseURL+"/probation/respond", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: build challenge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("htms-sdk: challenge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("htms-sdk: challenge returned %d: %s", resp.StatusCode, raw)
	}
	var result ChallengeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("htms-sdk: parse challenge response: %w", err)
	}
	return &result, nil
}

// sign mirrors the backend's canonical event message:
// tag_hash ‖ reader_id ‖ decimal_timestamp ‖ nonce.
func sign(secret []byte, tagHash, readerID string, timestamp int64, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tagHash + readerID + strconv.FormatInt(timestamp, 10) + nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
