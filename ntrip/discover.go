package ntrip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// FetchSourceTable downloads the caster's source table. The whole exchange
// is bounded by cfg.Timeout, two seconds by default.
func FetchSourceTable(ctx context.Context, cfg Config) (*SourceTable, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	t, err := fetchV2(ctx, cfg)
	if errors.Is(err, ErrMalformedResponse) {
		log.Printf("ntrip: %s: legacy caster, fetching source table with NTRIP v1", cfg.addr())
		return fetchV1(ctx, cfg)
	}
	return t, err
}

func fetchV2(ctx context.Context, cfg Config) (*SourceTable, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.addr()+"/", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ntrip-Version", "Ntrip/2.0")
	req.Header.Set("User-Agent", userAgent)
	if cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	resp, err := httpClient(cfg).Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return ParseSourceTable(resp.Body)
}

func fetchV1(ctx context.Context, cfg Config) (*SourceTable, error) {
	conn, br, status, err := requestV1(ctx, cfg, "/", nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	switch {
	case strings.HasPrefix(status, "SOURCETABLE 200"):
	case strings.Contains(status, " 401"):
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("ntrip: unexpected response %q", status)
	}

	// Header lines up to the blank line.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return ParseSourceTable(br)
}
