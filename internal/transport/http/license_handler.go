package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "minewater/internal/errors"
	"minewater/internal/license"
	"minewater/internal/middleware"
	"minewater/pkg/contracts/domain"
)

// LicenseService is the part of the license manager exposed over HTTP
type LicenseService interface {
	StatusSummary(ctx context.Context) license.Summary
	RequestManualVerification(ctx context.Context) (license.Decision, error)
	Activate(ctx context.Context, rawKey string) (license.Decision, error)
	RequestTransfer(ctx context.Context) (license.Decision, error)
}

// LicenseActivationRequest is the activation payload
type LicenseActivationRequest domain.LicenseActivationRequest

// Bind implements render.Binder
func (a *LicenseActivationRequest) Bind(*http.Request) error {
	return requestValidator.Struct(a)
}

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// LicenseHandler handles license requests from the UI
type LicenseHandler struct {
	service LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Post("/verify", h.Verify)
	r.Post("/activate", h.Activate)
	r.Post("/transfer", h.Transfer)
	return r
}

// GetStatus handles GET /license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.StatusSummary(r.Context()))
}

// Verify handles POST /license/verify
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	decision, err := h.service.RequestManualVerification(r.Context())
	h.respond(w, r, "verify", decision, err)
}

// Activate handles POST /license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req LicenseActivationRequest
	if err := render.Bind(r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "invalid activation request", slog.String("error", err.Error()))
		h.respond(w, r, "activate", license.Decision{}, errors.Join(apperrors.ErrInvalidKey, err))
		return
	}

	decision, err := h.service.Activate(r.Context(), req.LicenseKey)
	h.respond(w, r, "activate", decision, err)
}

// Transfer handles POST /license/transfer
func (h *LicenseHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	decision, err := h.service.RequestTransfer(r.Context())
	h.respond(w, r, "transfer", decision, err)
}

func (h *LicenseHandler) respond(w http.ResponseWriter, r *http.Request, operation string, decision license.Decision, err error) {
	if err == nil {
		render.JSON(w, r, decision)
		return
	}

	traceID := middleware.GetRequestID(r.Context())
	problem := apperrors.MapLicenseError(err, traceID)
	if decision.Message == "" {
		decision.Message = apperrors.UserMessage(err)
	}
	problem.WithExtension("message", decision.Message)
	if decision.Expiry.GraceUntil != nil {
		problem.WithExtension("grace_until", decision.Expiry.GraceUntil)
	}

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError && !errors.Is(err, apperrors.ErrNetworkTimeout) {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "license request denied",
		slog.String("operation", operation),
		slog.String("error_code", apperrors.Code(err)),
		slog.String("error", err.Error()),
	)

	render.Render(w, r, problem)
}
