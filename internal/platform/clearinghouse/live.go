package clearinghouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/revcycle/internal/domain/billing"
)

const (
	tokenLifetime   = 5 * time.Minute
	maxResponseBody = 1 << 20
)

// LiveClient talks to the clearinghouse REST API. Each request carries a
// short-lived HS256 client assertion, and outbound calls are throttled to the
// configured rate. Connection errors and 5xx responses are retried; payer
// rejections come back as results.
type LiveClient struct {
	baseURL    string
	clientID   string
	signingKey []byte
	http       *retryablehttp.Client
	limiter    *rate.Limiter
	now        func() time.Time
	logger     zerolog.Logger
}

func NewLiveClient(cfg Config, logger zerolog.Logger) (*LiveClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("clearinghouse: base URL is required in live mode")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("clearinghouse: invalid base URL: %w", err)
	}
	if cfg.ClientID == "" || cfg.SigningKey == "" {
		return nil, errors.New("clearinghouse: client id and signing key are required in live mode")
	}

	logger = logger.With().Str("component", "clearinghouse").Logger()
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.Logger = leveledLogger{logger}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	return &LiveClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		clientID:   cfg.ClientID,
		signingKey: []byte(cfg.SigningKey),
		http:       rc,
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
		logger:     logger,
	}, nil
}

type submitRequest struct {
	ControlNumber  string             `json:"control_number"`
	ClaimNumber    string             `json:"claim_number"`
	ClaimType      billing.ClaimType  `json:"claim_type"`
	PatientID      string             `json:"patient_id"`
	Payer          *billing.PayerInfo `json:"payer"`
	DiagnosisCodes []string           `json:"diagnosis_codes"`
	PlaceOfService string             `json:"place_of_service"`
	DateOfService  string             `json:"date_of_service"`
	TotalCharge    string             `json:"total_charge"`
	Lines          []submitLine       `json:"lines"`
}

type submitLine struct {
	LineNumber    int    `json:"line_number"`
	ProcedureCode string `json:"procedure_code"`
	Modifier      string `json:"modifier,omitempty"`
	Units         int    `json:"units"`
	ChargeAmount  string `json:"charge_amount"`
}

type submitResponse struct {
	Accepted  *bool    `json:"accepted"`
	Reference string   `json:"reference"`
	Message   string   `json:"message"`
	Reasons   []string `json:"reasons"`
}

type statusResponse struct {
	Status           string `json:"status"`
	PayerClaimNumber string `json:"payer_claim_number"`
	Categories       []struct {
		Category    string `json:"category"`
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"categories"`
}

var knownStatuses = map[string]bool{
	billing.PayerStatusReceived:  true,
	billing.PayerStatusPending:   true,
	billing.PayerStatusFinalized: true,
	billing.PayerStatusRejected:  true,
	billing.PayerStatusUnknown:   true,
}

func (l *LiveClient) Submit(ctx context.Context, c *billing.Claim) (*billing.SubmissionResult, error) {
	if c.ControlNumber == nil {
		return nil, errors.New("claim has no control number")
	}
	body := submitRequest{
		ControlNumber:  *c.ControlNumber,
		ClaimNumber:    c.ClaimNumber,
		ClaimType:      c.ClaimType,
		PatientID:      c.PatientID.String(),
		Payer:          c.Payer,
		DiagnosisCodes: c.DiagnosisCodes,
		PlaceOfService: c.PlaceOfService,
		DateOfService:  c.DateOfService.Format("2006-01-02"),
		TotalCharge:    c.TotalCharge.StringFixed(2),
		Lines:          make([]submitLine, 0, len(c.Lines)),
	}
	for _, ln := range c.Lines {
		body.Lines = append(body.Lines, submitLine{
			LineNumber:    ln.LineNumber,
			ProcedureCode: ln.ProcedureCode,
			Modifier:      ln.Modifier,
			Units:         ln.Units,
			ChargeAmount:  ln.ChargeAmount.StringFixed(2),
		})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode claim: %w", err)
	}

	var resp submitResponse
	if err := l.do(ctx, http.MethodPost, "/claims", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Accepted == nil {
		return nil, fmt.Errorf("%w: submission response has no decision", billing.ErrTransportFailure)
	}

	l.logger.Info().Str("control_number", body.ControlNumber).Str("reference", resp.Reference).
		Bool("accepted", *resp.Accepted).Msg("claim submitted to clearinghouse")
	return &billing.SubmissionResult{
		Accepted:         *resp.Accepted,
		Source:           billing.SourceLive,
		GatewayReference: resp.Reference,
		ControlNumber:    body.ControlNumber,
		Message:          resp.Message,
		Reasons:          resp.Reasons,
		ReceivedAt:       l.now().UTC(),
	}, nil
}

func (l *LiveClient) CheckStatus(ctx context.Context, c *billing.Claim) (*billing.StatusResult, error) {
	if c.ControlNumber == nil {
		return nil, errors.New("claim has no control number")
	}
	var resp statusResponse
	if err := l.do(ctx, http.MethodGet, "/claims/"+url.PathEscape(*c.ControlNumber)+"/status", nil, &resp); err != nil {
		return nil, err
	}
	status := strings.ToLower(resp.Status)
	if !knownStatuses[status] {
		return nil, fmt.Errorf("%w: unknown payer status %q", billing.ErrTransportFailure, resp.Status)
	}

	res := &billing.StatusResult{
		OverallStatus:    status,
		CategoryStatuses: make([]billing.CategoryStatus, 0, len(resp.Categories)),
		PayerClaimNumber: resp.PayerClaimNumber,
		Source:           billing.SourceLive,
		CheckedAt:        l.now().UTC(),
	}
	for _, cs := range resp.Categories {
		res.CategoryStatuses = append(res.CategoryStatuses, billing.CategoryStatus{
			Category: cs.Category, Code: cs.Code, Description: cs.Description,
		})
	}
	return res, nil
}

// do sends one API call. Every failure to get a well-formed 2xx answer is
// returned wrapping billing.ErrTransportFailure.
func (l *LiveClient) do(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", billing.ErrTransportFailure, err)
	}
	token, err := l.assertion()
	if err != nil {
		return fmt.Errorf("sign client assertion: %w", err)
	}

	var body interface{}
	if payload != nil {
		body = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, l.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", billing.ErrTransportFailure, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", billing.ErrTransportFailure, err)
	}
	l.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).Msg("clearinghouse call")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: clearinghouse refused credentials (%d)", billing.ErrTransportFailure, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: unexpected status %d from %s", billing.ErrTransportFailure, resp.StatusCode, path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", billing.ErrTransportFailure, err)
	}
	return nil
}

// assertion mints the bearer token identifying this submitter.
func (l *LiveClient) assertion() (string, error) {
	now := l.now()
	claims := jwt.RegisteredClaims{
		Issuer:    l.clientID,
		Subject:   l.clientID,
		Audience:  jwt.ClaimStrings{l.baseURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.signingKey)
}

// leveledLogger routes retryablehttp's logging through zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.event(l.logger.Error(), msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.event(l.logger.Warn(), msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.event(l.logger.Debug(), msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.event(l.logger.Trace(), msg, kv) }

func (leveledLogger) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		e = e.Str(key, fmt.Sprint(kv[i+1]))
	}
	e.Msg(msg)
}
