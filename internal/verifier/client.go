// Package verifier is the HTTP client for the remote license service.
//
// The service answers every verify, activate and transfer call with an
// EdDSA-signed JWT. The client only trusts the claims of a token whose
// signature verifies against the configured public key, whose subject is the
// license key that was asked about and whose request id echoes ours.
package verifier

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"minewater/internal/config"
	apperrors "minewater/internal/errors"
	"minewater/pkg/contracts"
	"minewater/pkg/contracts/domain"
)

const (
	statusUnknown   = "unknown"
	maxResponseSize = 64 << 10
)

// Client verifies licenses against the remote license service
type Client struct {
	http      *retryablehttp.Client
	url       string
	appID     string
	publicKey ed25519.PublicKey
	leeway    time.Duration
	logger    *slog.Logger
}

// verifyRequest is the JSON body posted to the license service
type verifyRequest struct {
	RequestID        string                    `json:"request_id"`
	AppID            string                    `json:"app_id"`
	ClientVersion    string                    `json:"client_version"`
	Action           domain.VerificationAction `json:"action"`
	LicenseKey       string                    `json:"license_key"`
	Hardware         domain.HardwareSnapshot   `json:"hardware"`
	PreviousHardware domain.HardwareSnapshot   `json:"previous_hardware,omitempty"`
}

type verifyResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// Claims are the signed fields of a license service answer
type Claims struct {
	Status      string `json:"status"`
	GraceWindow int64  `json:"grace_window,omitempty"` // seconds
	ResetGrace  bool   `json:"reset_grace,omitempty"`
	RequestID   string `json:"rid"`
	jwt.RegisteredClaims
}

// New creates a license service client from cfg
func New(cfg config.ServerConfig, appID string, logger *slog.Logger) (*Client, error) {
	key, err := cfg.PublicKeyBytes()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "license_verifier"))

	return &Client{
		http:      newRetryClient(cfg, logger),
		url:       cfg.VerifyURL,
		appID:     appID,
		publicKey: ed25519.PublicKey(key),
		leeway:    cfg.ClockLeeway,
		logger:    logger,
	}, nil
}

func newRetryClient(cfg config.ServerConfig, logger *slog.Logger) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.Logger = nil
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		logger.DebugContext(req.Context(), "License service request",
			slog.String("method", req.Method),
			slog.String("url", req.URL.Redacted()),
			slog.Int("attempt", attempt),
		)
	}
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if resp == nil {
			return true, err
		}
		// 4xx answers are final
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, nil
	}
	return retryClient
}

// Verify posts req to the license service and validates the signed answer.
// ErrUnknownKey is returned when the service does not know the key; any
// other error means the service could not be trusted or reached.
func (c *Client) Verify(ctx context.Context, req domain.VerificationRequest) (*domain.VerificationResult, error) {
	requestID := uuid.NewString()
	body, err := json.Marshal(verifyRequest{
		RequestID:        requestID,
		AppID:            c.appID,
		ClientVersion:    contracts.Version,
		Action:           req.Action,
		LicenseKey:       req.LicenseKey,
		Hardware:         req.Hardware,
		PreviousHardware: req.PreviousHardware,
	})
	if err != nil {
		return nil, fmt.Errorf("encode verification request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create verification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "minewater-license-agent/"+contracts.Version)
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("license service unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read license service response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownKey, strings.TrimSpace(string(raw)))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("license service returned status %d", resp.StatusCode)
	}

	var payload verifyResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode license service response: %w", err)
	}
	if payload.Token == "" {
		return nil, errors.New("license service response carries no token")
	}

	claims, err := c.parseToken(payload.Token, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	if claims.RequestID != requestID {
		return nil, errors.New("license service token answers a different request")
	}
	if strings.EqualFold(claims.Status, statusUnknown) {
		return nil, apperrors.ErrUnknownKey
	}

	status := domain.LicenseStatus(strings.ToLower(strings.TrimSpace(claims.Status)))
	if !status.Valid() {
		return nil, fmt.Errorf("license service answered unrecognised status %q", claims.Status)
	}

	result := &domain.VerificationResult{
		Status:      status,
		GraceWindow: time.Duration(claims.GraceWindow) * time.Second,
		ResetGrace:  claims.ResetGrace,
		Signature:   payload.Token,
	}
	if claims.IssuedAt != nil {
		result.ServerTime = claims.IssuedAt.Time
	}

	c.logger.DebugContext(ctx, "License service answered",
		slog.String("action", string(req.Action)),
		slog.String("status", string(result.Status)),
		slog.String("request_id", requestID),
	)
	return result, nil
}

func (c *Client) parseToken(raw, licenseKey string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		return c.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithSubject(licenseKey),
		jwt.WithAudience(c.appID),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid license service token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid license service token claims")
	}
	return claims, nil
}
