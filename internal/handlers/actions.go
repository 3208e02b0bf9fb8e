package handlers

import (
	"net/http"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/services"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/gorilla/mux"
)

type FindingHandler struct {
	responder
	service services.FindingService
}

func NewFindingHandler(service services.FindingService, logger *utils.Logger) *FindingHandler {
	return &FindingHandler{responder: responder{logger: logger}, service: service}
}

func (h *FindingHandler) ListFindings(w http.ResponseWriter, r *http.Request) {
	shopID := r.URL.Query().Get("shop_id")
	if shopID == "" {
		h.respondError(w, utils.NewBadRequestError("shop_id is required"))
		return
	}
	findings, err := h.service.ListFindings(r.Context(), shopID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if findings == nil {
		findings = []models.LeakFinding{}
	}
	h.respondJSON(w, http.StatusOK, findings)
}

type setFindingStatusRequest struct {
	Status models.FindingStatus `json:"status" validate:"required,oneof=OPEN REOPENED DISMISSED RESOLVED"`
}

func (h *FindingHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var body setFindingStatusRequest
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, err)
		return
	}
	finding, err := h.service.SetStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, finding)
}

type ActionHandler struct {
	responder
	service services.ActionService
}

func NewActionHandler(service services.ActionService, logger *utils.Logger) *ActionHandler {
	return &ActionHandler{responder: responder{logger: logger}, service: service}
}

type createActionRequest struct {
	FindingID string            `json:"finding_id" validate:"required"`
	Type      models.ActionType `json:"type" validate:"required,oneof=CANCEL_SUBSCRIPTION REFUND_REQUEST CLARIFICATION"`
	ToEmail   string            `json:"to_email" validate:"required,email"`
	CCEmails  []string          `json:"cc_emails" validate:"omitempty,dive,email"`
	Subject   string            `json:"subject" validate:"required,max=300"`
	BodyText  string            `json:"body_text" validate:"required"`
}

func (h *ActionHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createActionRequest
	if err := decodeJSON(r, &body); err != nil {
		h.respondError(w, err)
		return
	}
	req, err := h.service.CreateRequest(r.Context(), &models.ActionRequest{
		FindingID: body.FindingID,
		Type:      body.Type,
		ToEmail:   body.ToEmail,
		CCEmails:  body.CCEmails,
		Subject:   body.Subject,
		BodyText:  body.BodyText,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, req)
}

func (h *ActionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, run)
}

func (h *ActionHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}
