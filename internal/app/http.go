package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"decisionledger/internal/audit"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
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
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ready, checks := s.service.Readiness(ctx)
		status := "ready"
		statusCode := http.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/audit/verify" {
		result, err := s.service.VerifyAuditChain(r.Context(), scope)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/audit" {
		filter, err := auditFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		page, err := s.service.QueryAuditLog(r.Context(), scope, filter)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if page.Entries == nil {
			page.Entries = []audit.Entry{}
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/audit/archive" {
		result, err := s.service.ArchiveAuditChain(r.Context(), scope)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/expiry/sweep" {
		result, err := s.service.RunExpirySweep(r.Context(), scope)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		limit, offset, err := pageParams(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		payload, err := s.service.Search(r.Context(), scope, q, status, limit, offset)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/decisions" {
		limit, offset, err := pageParams(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		query := r.URL.Query()
		page, err := s.service.ListDecisions(r.Context(), scope,
			strings.TrimSpace(query.Get("status")), strings.TrimSpace(query.Get("team")), limit, offset)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"decisions": toDecisionViews(page.Decisions),
			"total":     page.Total,
			"limit":     page.Limit,
			"offset":    page.Offset,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/decisions" {
		var body CreateDecisionRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		snap, err := s.service.CreateDecision(r.Context(), scope, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, snapshotResponse(snap))
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "decisions" {
		s.handleDecision(w, r, scope, parts[2])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "decisions" {
		s.handleDecisionAction(w, r, scope, parts[2], parts[3])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "versions" && parts[3] == "approvals" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Status  string `json:"status"`
			Comment string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.RecordApproval(r.Context(), scope, parts[2], body.Status, body.Comment)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"approval":       toApprovalView(result.Approval),
			"decisionId":     result.DecisionID,
			"decisionStatus": result.DecisionStatus,
			"requiredCount":  result.RequiredCount,
			"approvedCount":  result.ApprovedCount,
			"transitioned":   result.Transitioned,
		})
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "relationships" {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		rel, err := s.service.InvalidateRelationship(r.Context(), scope, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"relationship": toRelationshipView(rel)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleDecision(w http.ResponseWriter, r *http.Request, scope Scope, decisionID string) {
	switch r.Method {
	case http.MethodGet:
		asOf := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a positive integer", nil)
				return
			}
			asOf = parsed
		}
		snap, err := s.service.GetDecision(r.Context(), scope, decisionID, asOf)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshotResponse(snap))
	case http.MethodDelete:
		if err := s.service.DeleteDecision(r.Context(), scope, decisionID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDecisionAction(w http.ResponseWriter, r *http.Request, scope Scope, decisionID, action string) {
	switch {
	case action == "versions" && r.Method == http.MethodGet:
		versions, err := s.service.ListVersions(r.Context(), scope, decisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": toVersionViews(versions)})

	case action == "versions" && r.Method == http.MethodPost:
		var body AmendDecisionRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		version, err := s.service.AmendDecision(r.Context(), scope, decisionID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"version": toVersionView(version)})

	case action == "submit" && r.Method == http.MethodPost:
		d, err := s.service.SubmitForReview(r.Context(), scope, decisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decision": toDecisionView(d)})

	case action == "deprecate" && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		d, err := s.service.DeprecateDecision(r.Context(), scope, decisionID, body.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decision": toDecisionView(d)})

	case action == "supersede" && r.Method == http.MethodPost:
		var body struct {
			SupersededDecisionID string `json:"supersededDecisionId"`
			Description          string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.SupersededDecisionID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "supersededDecisionId is required", nil)
			return
		}
		rel, err := s.service.SupersedeDecision(r.Context(), scope, decisionID, body.SupersededDecisionID, body.Description)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"relationship": toRelationshipView(rel)})

	case action == "snooze" && r.Method == http.MethodPost:
		var body struct {
			Days int `json:"days"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		d, err := s.service.SnoozeDecision(r.Context(), scope, decisionID, body.Days)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decision": toDecisionView(d)})

	case action == "lineage" && r.Method == http.MethodGet:
		lineage, err := s.service.GetLineage(r.Context(), scope, decisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lineage": lineageResponse(lineage)})

	case action == "current" && r.Method == http.MethodGet:
		d, err := s.service.GetCurrentDecision(r.Context(), scope, decisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decision": toDecisionView(d)})

	case action == "relationships" && r.Method == http.MethodGet:
		rels, err := s.service.ListRelationships(r.Context(), scope, decisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"relationships": toRelationshipViews(rels)})

	case action == "relationships" && r.Method == http.MethodPost:
		var body struct {
			TargetID    string `json:"targetId"`
			Type        string `json:"type"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rel, err := s.service.AddRelationship(r.Context(), scope, decisionID, body.TargetID, body.Type, body.Description)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"relationship": toRelationshipView(rel)})

	case action == "approvals" && r.Method == http.MethodGet:
		state, err := s.service.GetApprovalState(r.Context(), scope, decisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, approvalStateResponse(state))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// requireScope reads the identity the gateway forwards. The organization is
// mandatory; a missing user surfaces later as a validation error on writes.
func requireScope(w http.ResponseWriter, r *http.Request) (Scope, bool) {
	scope := Scope{
		OrganizationID: strings.TrimSpace(r.Header.Get("X-Organization-ID")),
		UserID:         strings.TrimSpace(r.Header.Get("X-User-ID")),
	}
	if scope.OrganizationID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Scope{}, false
	}
	return scope, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.service.log.Error("request failed",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}
	writeError(w, status, code, message, details)
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	query := r.URL.Query()
	limit, offset, err := pageParams(r)
	if err != nil {
		return audit.Filter{}, err
	}
	filter := audit.Filter{
		ActorID:      strings.TrimSpace(query.Get("actor")),
		ResourceType: strings.TrimSpace(query.Get("resource_type")),
		ResourceID:   strings.TrimSpace(query.Get("resource_id")),
		Action:       audit.Action(strings.ToUpper(strings.TrimSpace(query.Get("action")))),
		Limit:        limit,
		Offset:       offset,
	}
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("from must be an RFC 3339 timestamp")
		}
		filter.From = &from
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("to must be an RFC 3339 timestamp")
		}
		filter.To = &to
	}
	return filter, nil
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("limit must be an integer")
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("offset must be an integer")
		}
	}
	return limit, offset, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Organization-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
