// Package handlers provides the HTTP and websocket handlers of the medication
// selector page.
package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/giygas/mediract/interfaces"
	"github.com/giygas/mediract/logging"
	"github.com/giygas/mediract/medication"
	"github.com/giygas/mediract/selector"
	"github.com/giygas/mediract/validation"
)

// SessionCookie is the cookie carrying the session id
const SessionCookie = "mediract_session"

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// HTTPHandlerImpl serves the selector page for each browser session
type HTTPHandlerImpl struct {
	sessions      interfaces.SessionStore
	health        interfaces.HealthChecker
	secureCookies bool
	startTime     time.Time
}

// NewHTTPHandler creates a new HTTP handler with injected dependencies.
// secureCookies marks the session cookie Secure, for deployments behind TLS.
func NewHTTPHandler(sessions interfaces.SessionStore, health interfaces.HealthChecker, secureCookies bool) *HTTPHandlerImpl {
	return &HTTPHandlerImpl{
		sessions:      sessions,
		health:        health,
		secureCookies: secureCookies,
		startTime:     time.Now(),
	}
}

// RespondWithJSON writes a JSON response
func (h *HTTPHandlerImpl) RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		logging.Debug("Failed to write JSON response", "error", err)
	}
}

// RespondWithError writes a JSON error response
func (h *HTTPHandlerImpl) RespondWithError(w http.ResponseWriter, code int, message string) {
	errorResponse := map[string]any{
		"error":   http.StatusText(code),
		"message": message,
		"code":    code,
	}
	h.RespondWithJSON(w, code, errorResponse)
}

// render executes a named template into a buffer first so a template error
// never leaves a half-written page
func (h *HTTPHandlerImpl) render(w http.ResponseWriter, name string, snap selector.Snapshot) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, snap); err != nil {
		logging.Error("Failed to render template", "template", name, "error", err)
		h.RespondWithError(w, http.StatusInternalServerError, "Failed to render page")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := buf.WriteTo(w); err != nil {
		logging.Debug("Failed to write page", "error", err)
	}
}

// sessionPage returns the caller's page, starting a session when the cookie
// is missing or expired
func (h *HTTPHandlerImpl) sessionPage(w http.ResponseWriter, r *http.Request) *selector.Page {
	var id string
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		id = cookie.Value
	}

	newID, page, created := h.sessions.GetOrCreate(id)
	if created {
		http.SetCookie(w, h.sessionCookie(newID))
	}
	return page
}

func (h *HTTPHandlerImpl) sessionCookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

// ServePage renders the full page. A query parameter runs a search first,
// so the page also works without the live view.
func (h *HTTPHandlerImpl) ServePage(w http.ResponseWriter, r *http.Request) {
	page := h.sessionPage(w, r)

	if query, ok := r.URL.Query()["query"]; ok && len(query) > 0 {
		if err := validation.ValidateQuery(query[0]); err != nil {
			h.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		// failures are kept in the page state and rendered as a banner
		_ = page.Type(r.Context(), query[0])
	}

	h.render(w, "page", page.Snapshot())
}

// ServeSuggestions runs a search for the keystroke and returns the dropdown fragment
func (h *HTTPHandlerImpl) ServeSuggestions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if err := validation.ValidateQuery(query); err != nil {
		h.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	page := h.sessionPage(w, r)
	err := page.Type(r.Context(), query)
	if errors.Is(err, selector.ErrSuperseded) {
		// a newer keystroke owns the dropdown now
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.render(w, "suggestions", page.Snapshot())
}

// SelectMedication adds the posted medication to the selection
func (h *HTTPHandlerImpl) SelectMedication(w http.ResponseWriter, r *http.Request) {
	candidate, ok := h.formCandidate(w, r)
	if !ok {
		return
	}

	page := h.sessionPage(w, r)
	_ = page.Select(r.Context(), candidate)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RemoveMedication drops the posted medication from the selection
func (h *HTTPHandlerImpl) RemoveMedication(w http.ResponseWriter, r *http.Request) {
	candidate, ok := h.formCandidate(w, r)
	if !ok {
		return
	}

	page := h.sessionPage(w, r)
	_ = page.Remove(r.Context(), candidate)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// ClearMedications empties the selection
func (h *HTTPHandlerImpl) ClearMedications(w http.ResponseWriter, r *http.Request) {
	h.sessionPage(w, r).Clear()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// DismissError hides the error banner
func (h *HTTPHandlerImpl) DismissError(w http.ResponseWriter, r *http.Request) {
	h.sessionPage(w, r).DismissError()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// ServeState returns the session state as JSON
func (h *HTTPHandlerImpl) ServeState(w http.ResponseWriter, r *http.Request) {
	h.RespondWithJSON(w, http.StatusOK, h.sessionPage(w, r).Snapshot())
}

func (h *HTTPHandlerImpl) formCandidate(w http.ResponseWriter, r *http.Request) (medication.Candidate, bool) {
	if err := r.ParseForm(); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.RespondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return medication.Candidate{}, false
		}
		h.RespondWithError(w, http.StatusBadRequest, "Invalid form data")
		return medication.Candidate{}, false
	}

	candidate, err := validation.ValidateCandidate(r.PostForm.Get("name"), r.PostForm.Get("id"))
	if err != nil {
		h.RespondWithError(w, http.StatusBadRequest, err.Error())
		return medication.Candidate{}, false
	}
	return candidate, true
}

// HealthResponse defines the structure for consistent JSON ordering
type HealthResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Data          map[string]any `json:"data"`
}

// HealthCheck reports the service and backend status
func (h *HTTPHandlerImpl) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, details, httpStatus := h.health.HealthCheck()

	h.RespondWithJSON(w, httpStatus, HealthResponse{
		Status:        status,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Data:          details,
	})
}
