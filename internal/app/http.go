package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meridian/api/internal/auth"
	"meridian/api/internal/rbac"
	"meridian/api/internal/store"
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

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)

	// The source payload endpoint authenticates by secret, not bearer
	// token; targets are machines, not users.
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "sync" && parts[2] == "source" {
		payload, err := s.service.SourcePayload(r.Context(), parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	actor, err := s.service.ActorFromToken(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "nodes" {
		s.routeNodes(w, r, actor, parts[2:])
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "remote" {
		s.routeRemote(w, r, actor, parts[2:])
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "api" && parts[1] == "timeline" {
		s.handleTimeline(w, r, actor)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "api" && parts[1] == "capabilities" {
		writeJSON(w, http.StatusOK, map[string]any{"capabilities": s.service.PluginCapabilities()})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) routeNodes(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 0 {
		if r.Method == http.MethodPost {
			var body CreateNodeInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			node, err := s.service.CreateNode(r.Context(), actor, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, node)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	nodeID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			node, err := s.service.GetNode(r.Context(), actor, nodeID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, node)
		case http.MethodPut:
			var body UpdateNodeInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			node, err := s.service.UpdateNode(r.Context(), actor, nodeID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, node)
		case http.MethodDelete:
			if err := s.service.DeleteNode(r.Context(), actor, nodeID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 {
		switch {
		case parts[1] == "move" && r.Method == http.MethodPost:
			var body MoveNodeInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.MoveNode(r.Context(), actor, nodeID, body); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case parts[1] == "ancestors" && r.Method == http.MethodGet:
			items, err := s.service.ListAncestors(r.Context(), actor, nodeID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ancestors": items})
			return
		case parts[1] == "descendants" && r.Method == http.MethodGet:
			limit, offset := pagination(r, 100)
			items, err := s.service.ListDescendants(r.Context(), actor, nodeID, limit, offset)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"descendants": items})
			return
		case parts[1] == "roles" && r.Method == http.MethodGet:
			items, err := s.service.EffectiveRoles(r.Context(), actor, nodeID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"roles": items})
			return
		case parts[1] == "roles" && r.Method == http.MethodPost:
			var body AssignRoleInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			assignment, err := s.service.AssignRole(r.Context(), actor, nodeID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, assignment)
			return
		case parts[1] == "owner" && r.Method == http.MethodPost:
			var body TransferOwnerInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.TransferOwner(r.Context(), actor, nodeID, body); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if len(parts) == 3 && parts[1] == "roles" && r.Method == http.MethodDelete {
		if err := s.service.RevokeRole(r.Context(), actor, nodeID, parts[2]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 3 && parts[1] == "permissions" && r.Method == http.MethodGet {
		capability := rbac.Capability(parts[2])
		allowed, err := s.service.ResolvePermission(r.Context(), actor, nodeID, capability)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"capability": string(capability), "allowed": allowed})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) routeRemote(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 1 && parts[0] == "sites" {
		switch r.Method {
		case http.MethodPost:
			var body CreateRemoteSiteInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			site, secret, err := s.service.CreateRemoteSite(r.Context(), actor, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			response := map[string]any{"site": site}
			if secret != "" {
				// Shown once at registration; only the hash survives.
				response["secret"] = secret
			}
			writeJSON(w, http.StatusCreated, response)
		case http.MethodGet:
			sites, err := s.service.ListRemoteSites(r.Context(), actor)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 && parts[0] == "sites" {
		siteID := parts[1]
		switch r.Method {
		case http.MethodPut:
			var body UpdateRemoteSiteInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			site, err := s.service.UpdateRemoteSite(r.Context(), actor, siteID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"site": site})
		case http.MethodDelete:
			if err := s.service.DeleteRemoteSite(r.Context(), actor, siteID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 3 && parts[0] == "sites" {
		siteID := parts[1]
		switch {
		case parts[2] == "links" && r.Method == http.MethodPost:
			var body struct {
				NodeID string `json:"nodeId"`
				Level  string `json:"level"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			link, err := s.service.SetRemoteLink(r.Context(), actor, body.NodeID, SetRemoteLinkInput{SiteID: siteID, Level: body.Level})
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, link)
			return
		case parts[2] == "links" && r.Method == http.MethodGet:
			links, err := s.service.SiteLinks(r.Context(), actor, siteID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"links": links})
			return
		case parts[2] == "sync" && r.Method == http.MethodPost:
			if err := s.service.TriggerSync(r.Context(), actor, siteID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
			return
		}
	}

	if len(parts) == 4 && parts[0] == "sites" && parts[2] == "links" && parts[3] == "batch" && r.Method == http.MethodPost {
		var body BatchRemoteLinkInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		links, err := s.service.SetRemoteLinks(r.Context(), actor, parts[1], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"links": links})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleTimeline serves the audit query surface. Appending is internal
// only; superusers see everything, others only events on nodes they can
// view.
func (s *HTTPServer) handleTimeline(w http.ResponseWriter, r *http.Request, actor Actor) {
	query := r.URL.Query()
	filter := store.TimelineFilter{
		NodeID:  query.Get("node"),
		ActorID: query.Get("actor"),
		Action:  query.Get("action"),
	}
	if raw := query.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "from must be RFC3339", nil)
			return
		}
		filter.From = parsed
	}
	if raw := query.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "to must be RFC3339", nil)
			return
		}
		filter.To = parsed
	}
	filter.Limit, filter.Offset = pagination(r, 50)

	if !actor.Superuser {
		if filter.NodeID == "" {
			writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "node filter required", nil)
			return
		}
		allowed, err := s.service.ResolvePermission(r.Context(), actor, filter.NodeID, rbac.CapView)
		if err != nil || !allowed {
			writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "Forbidden", nil)
			return
		}
	}

	events, err := s.service.Timeline(r.Context(), filter)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
