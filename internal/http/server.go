package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ritta/withdrawals/internal/auth"
	"ritta/withdrawals/internal/config"
	"ritta/withdrawals/internal/db"
	"ritta/withdrawals/internal/model"
	"ritta/withdrawals/internal/withdrawal"
)

type Server struct {
	cfg    config.Config
	store  *db.Store
	engine *withdrawal.Engine
}

func NewServer(cfg config.Config, store *db.Store, engine *withdrawal.Engine) *Server {
	return &Server{cfg: cfg, store: store, engine: engine}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/withdrawals", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/reasons", s.handleListReasons)

		r.Route("/parent", func(r chi.Router) {
			r.Post("/qr", s.handleIssueCredential)
			r.Get("/qr/active", s.handleListActiveCredentials)
			r.Delete("/qr/{code}", s.handleCancelCredential)
			r.Get("/students", s.handleListParentStudents)
			r.Get("/pending", s.handleListPendingGuardianApprovals)
			r.Post("/pending/{withdrawalId}", s.handleResolveGuardianApproval)
			r.Get("/history", s.handleParentQrHistory)
			r.Get("/withdrawals", s.handleParentWithdrawalHistory)
			r.Get("/stats", s.handleParentStats)
		})

		r.Route("/inspector", func(r chi.Router) {
			r.Get("/qr/{code}/info", s.handleGetCredentialInfo)
			r.Post("/qr/process", s.handleConsumeCredential)
			r.Post("/authorize-manual", s.handleAuthorizeManually)
			r.Get("/pending", s.handleListPendingInspectorConfirmations)
			r.Post("/pending/{withdrawalId}", s.handleFinalizeInspectorConfirmation)
			r.Get("/history", s.handleInspectorWithdrawalHistory)
		})
	})

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// requireUser gates a handler to one user type and parses the caller ID.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request, userType string) (uuid.UUID, bool) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return uuid.Nil, false
	}
	if claims.UserType != userType && claims.UserType != auth.UserTypeAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return uuid.Nil, false
	}
	return userID, true
}

// Credential issuance (guardian)

type issueCredentialRequest struct {
	StudentID    string  `json:"studentId"`
	ReasonID     string  `json:"reasonId"`
	CustomReason *string `json:"customReason"`
}

type issueCredentialResponse struct {
	QrCode    string      `json:"qrCode"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Student   studentInfo `json:"student"`
	Reason    reasonInfo  `json:"reason"`
	Custom    *string     `json:"customReason,omitempty"`
}

type studentInfo struct {
	ID         string `json:"id"`
	Rut        string `json:"rut,omitempty"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	CourseName string `json:"courseName,omitempty"`
}

type reasonInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.requireUser(w, r, auth.UserTypeParent)
	if !ok {
		return
	}
	var req issueCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	studentID, err := uuid.Parse(req.StudentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_student_id")
		return
	}
	reasonID, err := uuid.Parse(req.ReasonID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_reason_id")
		return
	}

	result, err := s.engine.Issue(r.Context(), guardianID, studentID, reasonID, req.CustomReason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueCredentialResponse{
		QrCode:    result.Code,
		ExpiresAt: result.ExpiresAt,
		Student: studentInfo{
			ID:         result.Student.ID.String(),
			FirstName:  result.Student.FirstName,
			LastName:   result.Student.LastName,
			CourseName: result.Student.CourseName,
		},
		Reason: reasonInfo{ID: result.Reason.ID.String(), Name: result.Reason.Name},
		Custom: req.CustomReason,
	})
}

func (s *Server) handleCancelCredential(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.requireUser(w, r, auth.UserTypeParent)
	if !ok {
		return
	}
	code := chi.URLParam(r, "code")
	if err := s.engine.Cancel(r.Context(), guardianID, code); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Credential validation and consumption (inspector)

type credentialInfoResponse struct {
	Student      studentInfo `json:"student"`
	Parent       personInfo  `json:"parent"`
	Reason       reasonInfo  `json:"reason"`
	CustomReason *string     `json:"customReason,omitempty"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	GeneratedAt  time.Time   `json:"generatedAt"`
	IsExpired    bool        `json:"isExpired"`
}

type personInfo struct {
	ID           string `json:"id"`
	Rut          string `json:"rut"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Phone        string `json:"phone,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

func (s *Server) handleGetCredentialInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r, auth.UserTypeInspector); !ok {
		return
	}
	info, err := s.engine.Inspect(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialInfoResponse{
		Student: studentInfo{
			ID:         info.Student.ID.String(),
			Rut:        info.Student.Rut,
			FirstName:  info.Student.FirstName,
			LastName:   info.Student.LastName,
			CourseName: info.Student.CourseName,
		},
		Parent: personInfo{
			ID:           info.Guardian.ID.String(),
			Rut:          info.Guardian.Rut,
			FirstName:    info.Guardian.FirstName,
			LastName:     info.Guardian.LastName,
			Phone:        info.Guardian.Phone,
			Relationship: "Primary guardian",
		},
		Reason:       reasonInfo{ID: info.Qr.ReasonID.String(), Name: info.ReasonName},
		CustomReason: info.Qr.CustomReason,
		ExpiresAt:    info.Qr.ExpiresAt,
		GeneratedAt:  info.Qr.CreatedAt,
		IsExpired:    info.IsExpired,
	})
}

type consumeCredentialRequest struct {
	QrCode string  `json:"qrCode"`
	Action string  `json:"action"`
	Notes  *string `json:"notes"`
}

func (s *Server) handleConsumeCredential(w http.ResponseWriter, r *http.Request) {
	inspectorID, ok := s.requireUser(w, r, auth.UserTypeInspector)
	if !ok {
		return
	}
	var req consumeCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	action, err := withdrawal.ParseApprovalAction(req.Action)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	record, err := s.engine.ConsumeCredential(r.Context(), inspectorID, req.QrCode, action, req.Notes)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapWithdrawal(record))
}

// Manual authorization (inspector)

type adHocDelegateRequest struct {
	Name         string `json:"name"`
	Rut          string `json:"rut"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationshipToStudent"`
}

type manualAuthorizationRequest struct {
	StudentID             string                `json:"studentId"`
	ReasonID              string                `json:"reasonId"`
	CustomReason          *string               `json:"customReason"`
	Notes                 *string               `json:"notes"`
	RegisteredDelegateID  *string               `json:"delegateId"`
	AdHocDelegate         *adHocDelegateRequest `json:"manualDelegate"`
	DiscardedDelegateIDs  []string              `json:"discardedDelegateIds"`
	OverrideRequested     bool                  `json:"allowManualDelegateOverride"`
	OverrideJustification string                `json:"manualDelegateOverrideReason"`
	UnregisteredReason    string                `json:"unregisteredDelegateReason"`
}

type delegateInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationshipToStudent"`
}

type manualAuthorizationResponse struct {
	ManualAuthorization       bool              `json:"manualAuthorization"`
	RequiresDelegateSelection bool              `json:"requiresDelegateSelection"`
	AllowManualDelegate       bool              `json:"allowManualDelegate"`
	AvailableDelegates        []delegateInfo    `json:"availableDelegates"`
	PendingParentApproval     bool              `json:"pendingParentApproval"`
	Withdrawal                *withdrawalResult `json:"withdrawal,omitempty"`
}

func (s *Server) handleAuthorizeManually(w http.ResponseWriter, r *http.Request) {
	inspectorID, ok := s.requireUser(w, r, auth.UserTypeInspector)
	if !ok {
		return
	}
	var req manualAuthorizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	studentID, err := uuid.Parse(req.StudentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_student_id")
		return
	}
	reasonID, err := uuid.Parse(req.ReasonID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_reason_id")
		return
	}

	resolution := withdrawal.ResolutionRequest{
		OverrideRequested:     req.OverrideRequested,
		OverrideJustification: req.OverrideJustification,
		UnregisteredReason:    req.UnregisteredReason,
	}
	if req.RegisteredDelegateID != nil {
		delegateID, err := uuid.Parse(*req.RegisteredDelegateID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_delegate_id")
			return
		}
		resolution.RegisteredDelegateID = &delegateID
	}
	if req.AdHocDelegate != nil {
		if strings.TrimSpace(req.AdHocDelegate.Name) == "" {
			writeError(w, http.StatusBadRequest, "missing_delegate_name")
			return
		}
		resolution.AdHoc = &withdrawal.AdHocDelegate{
			Name:         req.AdHocDelegate.Name,
			Rut:          req.AdHocDelegate.Rut,
			Phone:        req.AdHocDelegate.Phone,
			Relationship: req.AdHocDelegate.Relationship,
		}
	}
	for _, raw := range req.DiscardedDelegateIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_delegate_id")
			return
		}
		resolution.DiscardedDelegateIDs = append(resolution.DiscardedDelegateIDs, id)
	}

	result, err := s.engine.AuthorizeManually(r.Context(), inspectorID, withdrawal.ManualAuthorization{
		StudentID:    studentID,
		ReasonID:     reasonID,
		CustomReason: req.CustomReason,
		Notes:        req.Notes,
		Resolution:   resolution,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := manualAuthorizationResponse{
		AvailableDelegates: make([]delegateInfo, 0, len(result.Resolution.AvailableDelegates)),
	}
	for _, delegate := range result.Resolution.AvailableDelegates {
		resp.AvailableDelegates = append(resp.AvailableDelegates, delegateInfo{
			ID:           delegate.ID.String(),
			Name:         delegate.Name,
			Phone:        delegate.Phone,
			Relationship: delegate.Relationship,
		})
	}
	switch result.Resolution.Mode {
	case withdrawal.ResolutionRequiresSelection:
		resp.RequiresDelegateSelection = true
	case withdrawal.ResolutionAllowsAdHoc:
		resp.AllowManualDelegate = true
	case withdrawal.ResolutionResolved:
		resp.ManualAuthorization = true
		resp.PendingParentApproval = result.Resolution.PendingGuardianApproval
		mapped := mapWithdrawal(*result.Withdrawal)
		resp.Withdrawal = &mapped
	}
	writeJSON(w, http.StatusOK, resp)
}

// Approval workflow

type approvalDecisionRequest struct {
	Action  string `json:"action"`
	Comment string `json:"comment"`
}

func (s *Server) handleResolveGuardianApproval(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.requireUser(w, r, auth.UserTypeParent)
	if !ok {
		return
	}
	withdrawalID, err := uuid.Parse(chi.URLParam(r, "withdrawalId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_withdrawal_id")
		return
	}
	var req approvalDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	action, err := withdrawal.ParseApprovalAction(req.Action)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	record, err := s.engine.ResolveGuardianApproval(r.Context(), guardianID, withdrawalID, action, req.Comment)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapWithdrawal(record))
}

func (s *Server) handleFinalizeInspectorConfirmation(w http.ResponseWriter, r *http.Request) {
	inspectorID, ok := s.requireUser(w, r, auth.UserTypeInspector)
	if !ok {
		return
	}
	withdrawalID, err := uuid.Parse(chi.URLParam(r, "withdrawalId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_withdrawal_id")
		return
	}
	var req approvalDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	action, err := withdrawal.ParseApprovalAction(req.Action)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	record, err := s.engine.FinalizeInspectorConfirmation(r.Context(), inspectorID, withdrawalID, action, req.Comment)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapWithdrawal(record))
}

type pendingApprovalResponse struct {
	ID          string        `json:"id"`
	RequestedAt time.Time     `json:"requestedAt"`
	Notes       *string       `json:"notes,omitempty"`
	Student     studentInfo   `json:"student"`
	Delegate    *personDetail `json:"delegate,omitempty"`
	Reason      reasonInfo    `json:"reason"`
	Inspector   string        `json:"inspector"`
	Guardian    *string       `json:"guardian,omitempty"`
}

type personDetail struct {
	Name         string  `json:"name"`
	Phone        *string `json:"phone,omitempty"`
	Rut          *string `json:"rut,omitempty"`
	Relationship *string `json:"relationshipToStudent,omitempty"`
}

func mapPendingApproval(row db.PendingApprovalRow) pendingApprovalResponse {
	resp := pendingApprovalResponse{
		ID:          row.Withdrawal.ID.String(),
		RequestedAt: row.Withdrawal.CreatedAt,
		Notes:       row.Withdrawal.Notes,
		Student: studentInfo{
			ID:         row.Withdrawal.StudentID.String(),
			Rut:        row.StudentRut,
			FirstName:  row.StudentFirstName,
			LastName:   row.StudentLastName,
			CourseName: row.CourseName,
		},
		Reason:    reasonInfo{ID: row.Withdrawal.ReasonID.String(), Name: row.ReasonName},
		Inspector: row.InspectorName,
		Guardian:  row.GuardianName,
	}
	name := "Extraordinary delegate"
	if row.ContactName != nil {
		name = *row.ContactName
	} else if row.Withdrawal.RetrieverName != nil {
		name = *row.Withdrawal.RetrieverName
	}
	resp.Delegate = &personDetail{
		Name:         name,
		Phone:        row.ContactPhone,
		Rut:          row.Withdrawal.RetrieverRut,
		Relationship: row.ContactRelation,
	}
	return resp
}

func (s *Server) handleListPendingGuardianApprovals(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.requireUser(w, r, auth.UserTypeParent)
	if !ok {
		return
	}
	rows, err := s.engine.PendingGuardianApprovals(r.Context(), guardianID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]pendingApprovalResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, mapPendingApproval(row))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPendingInspectorConfirmations(w http.ResponseWriter, r *http.Request) {
	inspectorID, ok := s.requireUser(w, r, auth.UserTypeInspector)
	if !ok {
		return
	}
	rows, err := s.engine.PendingInspectorConfirmations(r.Context(), inspectorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]pendingApprovalResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, mapPendingApproval(row))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Shared mapping

type withdrawalResult struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Method          string    `json:"method"`
	ContactVerified bool      `json:"contactVerified"`
	RetrieverKind   string    `json:"retrieverKind"`
	Notes           *string   `json:"notes,omitempty"`
	DecidedAt       time.Time `json:"decidedAt"`
}

func mapWithdrawal(w model.Withdrawal) withdrawalResult {
	return withdrawalResult{
		ID:              w.ID.String(),
		Status:          string(w.Status),
		Method:          string(w.Method),
		ContactVerified: w.ContactVerified,
		RetrieverKind:   string(w.RetrieverKind),
		Notes:           w.Notes,
		DecidedAt:       w.DecidedAt,
	}
}

// Helpers

func bearerToken(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func decodeJSON(r *http.Request, dest any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeEngineError translates the engine's failure taxonomy to HTTP.
func writeEngineError(w http.ResponseWriter, err error) {
	kind := withdrawal.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}

var kindStatus = map[withdrawal.Kind]int{
	withdrawal.KindNotFound:        http.StatusNotFound,
	withdrawal.KindConflict:        http.StatusConflict,
	withdrawal.KindExpired:         http.StatusGone,
	withdrawal.KindFormatInvalid:   http.StatusBadRequest,
	withdrawal.KindUnauthorized:    http.StatusForbidden,
	withdrawal.KindPolicyViolation: http.StatusUnprocessableEntity,
	withdrawal.KindStateConflict:   http.StatusConflict,
}
