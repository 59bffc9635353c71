package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/campusworks/be-travel-requests/internal/apperrors"
	"github.com/campusworks/be-travel-requests/internal/logger"
	"github.com/campusworks/be-travel-requests/internal/service"
)

// HTTPHandler exposes the workflow engine over HTTP. Business-rule failures
// come back as a stable JSON error shape; only infrastructure failures
// surface as 500s.
type HTTPHandler struct {
	requests *service.RequestService
	workflow *service.WorkflowService
	chains   *service.ChainService
	validate *validator.Validate
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(requests *service.RequestService, workflow *service.WorkflowService, chains *service.ChainService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		requests: requests,
		workflow: workflow,
		chains:   chains,
		validate: validator.New(),
		log:      log,
	}
}

// CreateRequest handles draft revision creation.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRevisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.New(apperrors.CodeValidation, "invalid request body"))
		return
	}
	if err := h.validateStruct(&req); err != nil {
		h.writeError(w, err)
		return
	}

	rev, err := h.requests.CreateRevision(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rev)
}

// GetRequest returns the current revision of a request.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("id")
	if requestID == "" {
		h.writeError(w, apperrors.InvalidInput("id", "request id is required"))
		return
	}

	rev, err := h.requests.GetRequest(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rev)
}

// ListRequests returns current revisions with optional filters.
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	revs, err := h.requests.ListRequests(r.Context(),
		r.URL.Query().Get("status"),
		r.URL.Query().Get("kerberos"),
	)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"requests": revs,
		"total":    len(revs),
	})
}

// GetHistory returns the chain link history of a request.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("id")
	if requestID == "" {
		h.writeError(w, apperrors.InvalidInput("id", "request id is required"))
		return
	}

	links, err := h.workflow.GetHistory(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

// PreviewChain returns the approval chain that would be built for a request
// right now, without submitting it.
func (h *HTTPHandler) PreviewChain(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("id")
	if requestID == "" {
		h.writeError(w, apperrors.InvalidInput("id", "request id is required"))
		return
	}

	chain, err := h.chains.BuildChainForRequest(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"chain": chain})
}

// GetPendingApprovals returns the requests awaiting action from an approver.
func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	kerberos := r.URL.Query().Get("kerberos")
	if kerberos == "" {
		h.writeError(w, apperrors.InvalidInput("kerberos", "approver kerberos is required"))
		return
	}

	pending, err := h.workflow.GetPendingApprovals(r.Context(), kerberos)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type submitRequest struct {
	RequestID     string `json:"request_id" validate:"required"`
	ActorKerberos string `json:"actor_kerberos" validate:"required"`
}

// SubmitRequest transitions a draft into the approval workflow.
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.New(apperrors.CodeValidation, "invalid request body"))
		return
	}
	if err := h.validateStruct(&req); err != nil {
		h.writeError(w, err)
		return
	}

	rev, err := h.workflow.SubmitDraft(r.Context(), req.RequestID, req.ActorKerberos)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rev)
}

// RequesterAction handles cancel and recall by the submitter.
func (h *HTTPHandler) RequesterAction(w http.ResponseWriter, r *http.Request) {
	var req service.RequesterActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.New(apperrors.CodeValidation, "invalid request body"))
		return
	}
	if err := h.validateStruct(&req); err != nil {
		h.writeError(w, err)
		return
	}

	rev, err := h.workflow.DoRequesterAction(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rev)
}

// ApproverAction handles approve, approve-with-changes and deny.
func (h *HTTPHandler) ApproverAction(w http.ResponseWriter, r *http.Request) {
	var req service.ApproverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.New(apperrors.CodeValidation, "invalid request body"))
		return
	}
	if err := h.validateStruct(&req); err != nil {
		h.writeError(w, err)
		return
	}

	rev, err := h.workflow.DoApproverAction(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rev)
}

// ── response helpers ─────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// errorResponse is the stable error shape exposed to the presentation layer.
type errorResponse struct {
	Error            bool              `json:"error"`
	Message          string            `json:"message"`
	FieldsWithErrors map[string]string `json:"fieldsWithErrors,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Unexpected error")
		message = "internal server error"
	}

	h.writeJSON(w, status, errorResponse{
		Error:            true,
		Message:          message,
		FieldsWithErrors: apperrors.FieldsOf(err),
	})
}

// validateStruct converts validator failures into the service error shape.
func (h *HTTPHandler) validateStruct(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = "failed validation: " + fe.Tag()
		}
		return &apperrors.Error{
			Code:    apperrors.CodeValidation,
			Message: "request failed validation",
			Fields:  fields,
		}
	}
	return apperrors.Wrap(err, apperrors.CodeValidation, "request failed validation")
}
