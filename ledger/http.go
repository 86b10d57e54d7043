package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/internal/httpclient"
	"github.com/teranos/recurra/logger"
)

const (
	// HeaderIdempotencyKey carries a stable UUID per occurrence so the ledger can dedupe retries
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderAPIVersion is the version the ledger reports on every response
	HeaderAPIVersion = "X-Ledger-API-Version"

	maxErrorBody = 4 << 10
)

// idempotencyNamespace scopes the name-based UUIDs derived from idempotency keys.
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("recurra:occurrence"))

// IdempotencyUUID maps an occurrence key to its deterministic UUID.
func IdempotencyUUID(key string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(key)).String()
}

// HTTPConfig configures an HTTPPoster.
type HTTPConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	// MinAPIVersion rejects ledgers reporting an older API version ("" = no check)
	MinAPIVersion  string
	AllowPrivateIP bool
}

// HTTPPoster posts JSON to <base>/expenses and <base>/invoices.
type HTTPPoster struct {
	client   *httpclient.SaferClient
	baseURL  string
	token    string
	minAPI   *semver.Constraints
	minLabel string
	log      *zap.SugaredLogger

	// verified is set once the ledger reported a supported API version
	mu       sync.Mutex
	verified bool
}

// NewHTTPPoster validates cfg and builds a poster.
func NewHTTPPoster(cfg HTTPConfig, log *zap.SugaredLogger) (*HTTPPoster, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := httpclient.New(cfg.Timeout, httpclient.Options{AllowPrivateIP: cfg.AllowPrivateIP})
	return newHTTPPoster(client, cfg, log)
}

func newHTTPPoster(client *httpclient.SaferClient, cfg HTTPConfig, log *zap.SugaredLogger) (*HTTPPoster, error) {
	if _, err := client.ValidateURL(cfg.BaseURL); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid ledger.base_url"),
			"set ledger.allow_private_ip = true for a ledger on localhost or a private network")
	}

	p := &HTTPPoster{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		log:     logger.AddLedgerSymbol(log),
	}
	if cfg.MinAPIVersion != "" {
		c, err := semver.NewConstraint(">= " + cfg.MinAPIVersion)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid ledger.min_api_version %q", cfg.MinAPIVersion)
		}
		p.minAPI = c
		p.minLabel = cfg.MinAPIVersion
	}
	return p, nil
}

// PostExpenseFromTemplate creates an expense.
func (p *HTTPPoster) PostExpenseFromTemplate(ctx context.Context, payload Payload) (string, error) {
	return p.post(ctx, "/expenses", payload)
}

// PostInvoiceFromTemplate creates an invoice.
func (p *HTTPPoster) PostInvoiceFromTemplate(ctx context.Context, payload Payload) (string, error) {
	return p.post(ctx, "/invoices", payload)
}

type postingRequest struct {
	RuleID       string            `json:"ruleId"`
	Date         string            `json:"date"`
	Counterparty string            `json:"counterparty"`
	Amount       decimal.Decimal   `json:"amount"`
	Description  string            `json:"description,omitempty"`
	Category     string            `json:"category,omitempty"`
	Reference    string            `json:"reference,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

type postingResponse struct {
	Reference string `json:"reference"`
}

func (p *HTTPPoster) post(ctx context.Context, path string, payload Payload) (string, error) {
	if err := p.ensureVersion(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(postingRequest{
		RuleID:       payload.RuleID,
		Date:         payload.Date.Format(time.DateOnly),
		Counterparty: payload.Counterparty,
		Amount:       payload.Amount,
		Description:  payload.Description,
		Category:     payload.Category,
		Reference:    payload.Reference,
		Extra:        payload.Extra,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode posting")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build ledger request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderIdempotencyKey, IdempotencyUUID(payload.IdempotencyKey))
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "ledger request to %s failed", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", errors.WithDetail(
			errors.Newf("ledger returned %d for %s", resp.StatusCode, path),
			strings.TrimSpace(string(msg)))
	}

	var out postingResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", errors.Wrap(err, "failed to decode ledger response")
	}
	if out.Reference == "" {
		return "", errors.Newf("ledger response for %s has no reference", path)
	}

	// The posting exists now; a version change only affects the next one
	if err := p.checkVersion(resp.Header.Get(HeaderAPIVersion)); err != nil {
		p.log.Warnw("Ledger API version changed, re-checking before the next posting",
			logger.FieldPostingRef, out.Reference,
			logger.FieldError, err,
		)
		p.mu.Lock()
		p.verified = false
		p.mu.Unlock()
	}

	p.log.Debugw("Posted to ledger",
		logger.FieldRuleID, payload.RuleID,
		logger.FieldIdempotency, payload.IdempotencyKey,
		logger.FieldPostingRef, out.Reference,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return out.Reference, nil
}

// ensureVersion asks the ledger with a HEAD request until it reports a
// supported API version. Nothing is posted to a ledger that fails the check.
func (p *HTTPPoster) ensureVersion(ctx context.Context) error {
	if p.minAPI == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verified {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.baseURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build ledger version check")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "ledger version check failed")
	}
	resp.Body.Close()

	if err := p.checkVersion(resp.Header.Get(HeaderAPIVersion)); err != nil {
		return err
	}
	p.verified = true
	return nil
}

func (p *HTTPPoster) checkVersion(reported string) error {
	if p.minAPI == nil {
		return nil
	}
	if reported == "" {
		return errors.Newf("ledger did not report %s (need >= %s)", HeaderAPIVersion, p.minLabel)
	}
	v, err := semver.NewVersion(reported)
	if err != nil {
		return errors.Wrapf(err, "ledger reported unparseable API version %q", reported)
	}
	if !p.minAPI.Check(v) {
		return errors.WithHint(
			errors.Newf("ledger API version %s is older than required %s", v, p.minLabel),
			"upgrade the ledger or lower ledger.min_api_version")
	}
	return nil
}
