package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hiveline/internal/domain"
)

// Client queries a running routing engine. Implementations are safe for
// concurrent use. No route is reported as a KindNoRoute error, never as an
// empty slice.
type Client interface {
	GetJourneys(ctx context.Context, from, to domain.Place, departure time.Time, modes []domain.Mode) ([]domain.Journey, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, from, to domain.Place, departure time.Time, modes []domain.Mode) ([]domain.Journey, error)

func (f ClientFunc) GetJourneys(ctx context.Context, from, to domain.Place, departure time.Time, modes []domain.Mode) ([]domain.Journey, error) {
	return f(ctx, from, to, departure, modes)
}

var (
	TransitModes = []domain.Mode{domain.ModeWalking, domain.ModeTrain, domain.ModeBus}
	CarModes     = []domain.Mode{domain.ModeWalking, domain.ModeCar}
)

// ModeNames renders modes for persistence.
func ModeNames(modes []domain.Mode) []string {
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = string(m)
	}
	return out
}

const defaultClientTimeout = 40 * time.Second

func httpClient(c *http.Client, timeout time.Duration) *http.Client {
	if c != nil {
		return c
	}
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends body and returns the status and response bytes. Network
// failures come back as transport errors.
func postJSON(ctx context.Context, client *http.Client, op, url string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, transportError(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, transportError(op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, transportError(op, err)
	}
	return resp.StatusCode, data, nil
}

func trimURL(base, fallback string) string {
	if base == "" {
		base = fallback
	}
	return strings.TrimRight(base, "/")
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
