package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"metagraph/api/internal/auth"
	"metagraph/api/internal/metrics"
	"metagraph/api/internal/search"
	"metagraph/api/internal/store"
	"metagraph/api/internal/util"
)

const maxBodyBytes = 10 << 20

// kindPaths maps the collection segment of a route to its document kind.
var kindPaths = map[string]store.Kind{
	"template_fields": store.KindTemplateField,
	"templates":       store.KindTemplate,
	"datasets":        store.KindDataset,
	"records":         store.KindRecord,
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        log.With().Str("component", "http").Logger(),
		metrics:    promhttp.Handler(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		w.Header().Del("Content-Type")
		s.metrics.ServeHTTP(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, session)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if parts[1] == "files" && len(parts) == 3 && r.Method == http.MethodGet {
		url, err := s.service.FileDownloadURL(r.Context(), session, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"uuid": parts[2], "url": url})
		return
	}

	if parts[1] == "files" && len(parts) == 4 && r.Method == http.MethodPost {
		s.handleFile(w, r, session, parts[2], parts[3])
		return
	}

	if parts[1] == "permissions" {
		s.handlePermissions(w, r, session, parts[2:])
		return
	}

	if parts[1] == "legacy" && len(parts) == 3 && r.Method == http.MethodGet {
		newUUID, err := s.service.LegacyLookup(r.Context(), parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"uuid": newUUID})
		return
	}

	if kind, ok := kindPaths[parts[1]]; ok {
		s.handleKind(w, r, session, kind, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := map[string]any{}
	for name, err := range s.service.Readiness(ctx) {
		if err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	q := search.Query{Text: strings.TrimSpace(query.Get("q")), Limit: 20}
	if raw := strings.TrimSpace(query.Get("kind")); raw != "" {
		q.Kind = store.Kind(raw)
		if !q.Kind.Valid() {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be one of template_field, template, dataset, record", nil)
			return
		}
	}
	for name, target := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", nil)
			return
		}
		*target = parsed
	}

	payload, err := s.service.Search(r.Context(), session, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleFile(w http.ResponseWriter, r *http.Request, session Session, uuid, action string) {
	switch action {
	case "upload-url":
		url, err := s.service.FileUploadURL(r.Context(), session, uuid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"uuid": uuid, "url": url})
	case "uploaded":
		if err := s.service.FileUploaded(r.Context(), session, uuid); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleKind serves /api/{kind}/... where rest is the path after the kind.
func (s *HTTPServer) handleKind(w http.ResponseWriter, r *http.Request, session Session, kind store.Kind, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		uuid, err := s.service.Create(ctx, session, kind, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"uuid": uuid})
		return
	}

	if r.Method == http.MethodGet && s.handleKindQuery(w, r, session, kind, rest) {
		return
	}

	uuid := rest[0]
	if len(rest) == 1 {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		if err := s.service.Update(ctx, session, kind, uuid, body); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"uuid": uuid})
		return
	}

	if len(rest) == 3 && rest[1] == "annotations" && r.Method == http.MethodPut {
		s.handleAnnotation(w, r, session, kind, uuid, rest[2])
		return
	}
	if len(rest) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch action := rest[1]; {
	case action == "draft" && r.Method == http.MethodGet:
		synthesize, _ := strconv.ParseBool(r.URL.Query().Get("synthesize"))
		node, err := s.service.DraftGet(ctx, session, kind, uuid, synthesize)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if node == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "No draft exists for "+uuid, nil)
			return
		}
		writeJSON(w, http.StatusOK, node)

	case action == "draft" && r.Method == http.MethodDelete:
		if err := s.service.DraftDelete(ctx, session, kind, uuid); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case action == "draft_existing" && r.Method == http.MethodGet:
		exists, err := s.service.DraftExisting(ctx, kind, uuid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"exists": exists})

	case action == "persist" && r.Method == http.MethodPost:
		var body struct {
			LastUpdate *time.Time `json:"last_update"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.LastUpdate == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "last_update is required", nil)
			return
		}
		versionID, err := s.service.Persist(ctx, session, kind, uuid, *body.LastUpdate)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version_id": versionID})

	case action == "last_update" && r.Method == http.MethodGet:
		lastUpdate, err := s.service.LastUpdate(ctx, session, kind, uuid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"last_update": lastUpdate.UTC().Format(time.RFC3339Nano)})

	case action == "latest_persisted" && r.Method == http.MethodGet:
		node, err := s.service.LatestPersisted(ctx, session, kind, uuid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, node)

	case action == "records" && kind == store.KindDataset && r.Method == http.MethodGet:
		records, err := s.service.DatasetRecords(ctx, session, uuid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, records)

	case action == "new_draft_from_latest_persisted" && kind == store.KindRecord && r.Method == http.MethodGet:
		node, err := s.service.DraftGet(ctx, session, kind, uuid, true)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, node)

	case action == "duplicate" && r.Method == http.MethodPost:
		node, err := s.service.Duplicate(ctx, session, kind, uuid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, node)

	case r.Method == http.MethodGet:
		at, err := time.Parse(time.RFC3339Nano, action)
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		node, err := s.service.LatestPersistedBefore(ctx, session, kind, uuid, at)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, node)

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// handleKindQuery serves the GET routes of a kind that are not keyed by a
// document uuid. It reports whether it wrote a response.
func (s *HTTPServer) handleKindQuery(w http.ResponseWriter, r *http.Request, session Session, kind store.Kind, rest []string) bool {
	ctx := r.Context()
	switch {
	case len(rest) == 2 && rest[0] == "persisted_version":
		node, err := s.service.PersistedVersion(ctx, session, kind, rest[1])
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, node)

	case len(rest) == 2 && rest[0] == "new_dataset_for_template" && kind == store.KindDataset:
		if !util.ValidUUID(rest[1]) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "uuid must be a valid uuid", nil)
			return true
		}
		dataset, err := s.service.NewDatasetForTemplate(ctx, session, rest[1])
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, dataset)

	case len(rest) == 1 && (rest[0] == "all_public_uuids" || rest[0] == "all_viewable_uuids") && kind == store.KindDataset:
		uuids, err := s.service.UUIDs(ctx, session, kind, rest[0] == "all_viewable_uuids")
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, uuids)

	default:
		return false
	}
	return true
}

// handleAnnotation stores plugin settings for a document, or for one of its
// fields when field_uuid is given.
func (s *HTTPServer) handleAnnotation(w http.ResponseWriter, r *http.Request, session Session, kind store.Kind, uuid, plugin string) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	annotation := store.Annotation{
		DocumentUUID: uuid,
		FieldUUID:    strings.TrimSpace(r.URL.Query().Get("field_uuid")),
		Plugin:       plugin,
		Settings:     body,
	}
	if err := s.service.PutAnnotation(r.Context(), session, kind, annotation); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// fail maps err to a response. Unexpected errors are logged with the request.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		metrics.HTTPRequest(r.Method, writer.status)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// readBody returns the raw request body. Create and update bodies are decoded
// by the engine per kind.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is required", nil)
		return nil, false
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
		return nil, false
	}
	return body, true
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
