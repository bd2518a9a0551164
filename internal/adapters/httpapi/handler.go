package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/usecase"
)

type ctxKey string

const (
	timeFormat              = "2006-01-02T15:04:05.999999999Z07:00"
	adminActorCtxKey ctxKey = "admin_actor"
	maxJSONBodySize         = 1 << 20
	sourceAPI               = "api"
)

type Handler struct {
	apps    *usecase.ApplicationService
	audit   *usecase.AuditService
	sync    *usecase.SyncService
	auth    *usecase.AuthService
	schemas requestSchemas
	log     *zap.Logger
}

func NewHandler(apps *usecase.ApplicationService, audit *usecase.AuditService, syncService *usecase.SyncService, auth *usecase.AuthService, log *zap.Logger) (*Handler, error) {
	schemas, err := loadRequestSchemas()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		apps:    apps,
		audit:   audit,
		sync:    syncService,
		auth:    auth,
		schemas: schemas,
		log:     log.Named("httpapi"),
	}, nil
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAdminKey)
		pr.Get("/v1/apps", h.listApps)
		pr.Post("/v1/apps", h.createApp)
		pr.Get("/v1/apps/{appID}", h.getApp)
		pr.Patch("/v1/apps/{appID}", h.updateApp)
		pr.Delete("/v1/apps/{appID}", h.deleteApp)
		pr.Post("/v1/apps/{appID}", h.appAction)

		pr.Get("/v1/audit", h.listAudit)
		pr.Post("/v1/sync", h.requestSync)
		pr.Get("/v1/sync/status", h.syncStatus)
	})

	return r
}

type createAppRequest struct {
	AppID          string   `json:"app_id"`
	AppKey         string   `json:"app_key"`
	AppSecret      string   `json:"app_secret"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	IsActive       *bool    `json:"is_active"`
	MaxConnections *int     `json:"max_connections"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type patchAppRequest struct {
	Name           *string   `json:"name"`
	Description    *string   `json:"description"`
	IsActive       *bool     `json:"is_active"`
	MaxConnections *int      `json:"max_connections"`
	AllowedOrigins *[]string `json:"allowed_origins"`
}

type syncRequestBody struct {
	Reason string `json:"reason"`
}

type appResponse struct {
	AppID          string   `json:"app_id"`
	AppKey         string   `json:"app_key"`
	AppSecret      string   `json:"app_secret"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	IsActive       bool     `json:"is_active"`
	MaxConnections int      `json:"max_connections"`
	AllowedOrigins []string `json:"allowed_origins"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

func (h *Handler) createApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	if !h.decodeBody(w, r, schemaApplicationCreate, &req) {
		return
	}

	app, err := h.apps.Create(r.Context(), domain.NewApplicationInput{
		AppID:          req.AppID,
		AppKey:         req.AppKey,
		AppSecret:      req.AppSecret,
		Name:           req.Name,
		Description:    req.Description,
		IsActive:       req.IsActive,
		MaxConnections: req.MaxConnections,
		AllowedOrigins: req.AllowedOrigins,
	}, mutationMeta(r))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	// The only response that carries the generated secret unmasked without
	// an explicit reveal.
	writeJSON(h.log, w, http.StatusCreated, toAppResponse(app, true))
}

func (h *Handler) getApp(w http.ResponseWriter, r *http.Request) {
	reveal, err := parseBool(r.URL.Query().Get("reveal"))
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, "reveal must be boolean")
		return
	}

	app, err := h.apps.Get(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, toAppResponse(app, reveal))
}

func (h *Handler) listApps(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(h.log, w, r)
	if !ok {
		return
	}
	filter := domain.ApplicationFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  limit,
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(h.log, w, http.StatusBadRequest, "active must be boolean")
			return
		}
		filter.Active = &active
	}

	apps, err := h.apps.List(r.Context(), filter)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	result := make([]appResponse, 0, len(apps))
	for _, app := range apps {
		result = append(result, toAppResponse(app, false))
	}
	writeJSON(h.log, w, http.StatusOK, map[string]any{"items": result})
}

func (h *Handler) updateApp(w http.ResponseWriter, r *http.Request) {
	var req patchAppRequest
	if !h.decodeBody(w, r, schemaApplicationPatch, &req) {
		return
	}

	app, err := h.apps.Update(r.Context(), chi.URLParam(r, "appID"), domain.ApplicationPatch{
		Name:           req.Name,
		Description:    req.Description,
		IsActive:       req.IsActive,
		MaxConnections: req.MaxConnections,
		AllowedOrigins: req.AllowedOrigins,
	}, mutationMeta(r))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, toAppResponse(app, false))
}

func (h *Handler) deleteApp(w http.ResponseWriter, r *http.Request) {
	if err := h.apps.Delete(r.Context(), chi.URLParam(r, "appID"), mutationMeta(r)); err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]bool{"deleted": true})
}

// appAction serves POST /v1/apps/{appID}:{action}. chi hands the whole last
// segment to the parameter, so the action is split off here.
func (h *Handler) appAction(w http.ResponseWriter, r *http.Request) {
	appID, action, ok := strings.Cut(chi.URLParam(r, "appID"), ":")
	if !ok {
		writeError(h.log, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch action {
	case "rotate-secret":
		app, err := h.apps.RotateSecret(r.Context(), appID, mutationMeta(r))
		if err != nil {
			h.handleDomainError(w, err)
			return
		}
		writeJSON(h.log, w, http.StatusOK, toAppResponse(app, true))
	default:
		writeError(h.log, w, http.StatusNotFound, "unknown action "+strconv.Quote(action))
	}
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(h.log, w, r)
	if !ok {
		return
	}
	filter := domain.AuditFilter{
		AggregateID: r.URL.Query().Get("app_id"),
		Action:      r.URL.Query().Get("action"),
		Limit:       limit,
	}
	if raw := r.URL.Query().Get("after_id"); raw != "" {
		afterID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(h.log, w, http.StatusBadRequest, "after_id must be integer")
			return
		}
		filter.AfterID = afterID
	}

	events, err := h.audit.List(r.Context(), filter)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	if events == nil {
		events = []domain.AuditTrailEvent{}
	}
	writeJSON(h.log, w, http.StatusOK, map[string]any{"items": events})
}

func (h *Handler) requestSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequestBody
	if r.ContentLength != 0 {
		if !h.decodeBody(w, r, schemaSyncRequest, &body) {
			return
		}
	}

	meta := mutationMeta(r)
	req, err := h.sync.RequestSync(r.Context(), meta)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.log.Info("manual sync requested",
		zap.String("actor", meta.Actor),
		zap.String("note", body.Reason),
		zap.String("request_id", meta.RequestID),
	)
	writeJSON(h.log, w, http.StatusAccepted, req)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.sync.Status(r.Context())
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, status)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(h.log, w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if token == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}

		key, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, usecase.ErrUnauthorized) {
				writeError(h.log, w, http.StatusUnauthorized, "unauthorized")
				return
			}
			h.log.Error("authenticate admin key", zap.Error(err))
			writeError(h.log, w, http.StatusInternalServerError, "internal server error")
			return
		}

		ctx := context.WithValue(r.Context(), adminActorCtxKey, key.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// decodeBody validates the raw body against a request schema before decoding
// it into dst. It writes the error response itself and reports false on
// failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if !json.Valid(raw) {
		writeError(h.log, w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.schemas.validate(schema, raw); err != nil {
		h.handleDomainError(w, err)
		return false
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		duplicate  *domain.DuplicateError
	)
	switch {
	case errors.As(err, &duplicate):
		writeJSON(h.log, w, http.StatusConflict, map[string]any{
			"error":  err.Error(),
			"fields": map[string]string{duplicate.Field: err.Error()},
		})
	case errors.As(err, &validation):
		writeJSON(h.log, w, http.StatusBadRequest, map[string]any{
			"error":  err.Error(),
			"fields": validation.Fields,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeError(h.log, w, http.StatusNotFound, "application not found")
	case errors.Is(err, usecase.ErrUnauthorized):
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized")
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(h.log, w, http.StatusInternalServerError, "internal server error")
	}
}

func toAppResponse(app domain.Application, reveal bool) appResponse {
	secret := app.AppSecret
	if !reveal {
		secret = maskSecret(secret)
	}
	origins := app.AllowedOrigins
	if origins == nil {
		origins = []string{}
	}
	return appResponse{
		AppID:          app.AppID,
		AppKey:         app.AppKey,
		AppSecret:      secret,
		Name:           app.Name,
		Description:    app.Description,
		IsActive:       app.IsActive,
		MaxConnections: app.MaxConnections,
		AllowedOrigins: origins,
		CreatedAt:      app.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:      app.UpdatedAt.UTC().Format(timeFormat),
	}
}

// maskSecret keeps the first 8 and last 4 characters. Short secrets are
// hidden entirely.
func maskSecret(secret string) string {
	if len(secret) <= 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}

func mutationMeta(r *http.Request) domain.MutationMetadata {
	return domain.MutationMetadata{
		Actor:     actorFromContext(r.Context()),
		Source:    sourceAPI,
		RequestID: middleware.GetReqID(r.Context()),
	}
}

func actorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(adminActorCtxKey).(string)
	if actor == "" {
		return "api"
	}
	return actor
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func parseLimit(log *zap.Logger, w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(log, w, http.StatusBadRequest, "limit must be integer")
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

func writeJSON(log *zap.Logger, w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Error("encode json response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Debug("write response", zap.Error(err))
	}
}

func writeError(log *zap.Logger, w http.ResponseWriter, status int, message string) {
	writeJSON(log, w, status, map[string]any{"error": message})
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}
