package audit

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/auditdiff/pkg/httputil"
	"github.com/platinummonkey/auditdiff/pkg/observability"
)

// MaxRequestBytes caps the size of a POST /audit body.
const MaxRequestBytes = 1 << 20

// Handlers provides HTTP handlers for the audit API
type Handlers struct {
	service *Service
}

// NewHandlers creates new audit handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{
		service: service,
	}
}

// RegisterRoutes registers audit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	create := httputil.Chain(
		httputil.MaxBytesMiddleware(MaxRequestBytes),
		httputil.ContentTypeMiddleware,
	)(http.HandlerFunc(h.createAudit))

	router.Handle("/audit", create).Methods("POST")
	router.HandleFunc("/audit", h.listAudits).Methods("GET")
	router.HandleFunc("/audit/export", h.exportAudits).Methods("GET")
}

// createAudit handles POST /audit
func (h *Handlers) createAudit(w http.ResponseWriter, r *http.Request) {
	var req CreateAuditRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.Origin == "" {
		req.Origin = r.Header.Get("Origin")
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	created, err := h.service.CreateAudit(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httputil.WriteCreatedMessage(w, "Audit created successfully", created)
}

// listAudits handles GET /audit
func (h *Handlers) listAudits(w http.ResponseWriter, r *http.Request) {
	audits, err := h.service.ListAudits(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if audits == nil {
		audits = []*Audit{}
	}

	httputil.WriteSuccess(w, audits)
}

// exportAudits handles GET /audit/export
func (h *Handlers) exportAudits(w http.ResponseWriter, r *http.Request) {
	format, err := ParseExportFormat(httputil.ParseQueryString(r, "format", string(ExportFormatJSON)))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	audits, err := h.service.ListAudits(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	data, err := Export(audits, format)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename="+format.Filename())
	w.Write(data)
}

// statusForError maps service errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).
			WithField("status", status).
			Error("Audit request failed")
	}
	httputil.WriteError(w, status, err)
}
