package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ritta/withdrawals/internal/auth"
	"ritta/withdrawals/internal/db"
	"ritta/withdrawals/internal/model"
)

// Credential history states derived for display. A consumed credential is a
// completed pickup; an unconsumed one is active until its expiry passes.
const (
	credentialStateCompleted = "COMPLETED"
	credentialStateActive    = "ACTIVE"
	credentialStateExpired   = "EXPIRED"
)

func credentialState(qr model.QrAuthorization, now time.Time) string {
	if qr.Consumed {
		return credentialStateCompleted
	}
	if qr.ExpiresAt.After(now) {
		return credentialStateActive
	}
	return credentialStateExpired
}

func (s *Server) handleListReasons(w http.ResponseWriter, r *http.Request) {
	if claimsFromContext(r.Context()) == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	reasons, err := s.store.Queries.ListReasons(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]reasonInfo, 0, len(reasons))
	for _, reason := range reasons {
		resp = append(resp, reasonInfo{ID: reason.ID.String(), Name: reason.Name})
	}
	writeJSON(w, http.StatusOK, resp)
}

type activeCredentialResponse struct {
	QrCode           string    `json:"qrCode"`
	StudentName      string    `json:"studentName"`
	Reason           string    `json:"reason"`
	CustomReason     *string   `json:"customReason,omitempty"`
	GeneratedAt      time.Time `json:"generatedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	MinutesRemaining int64     `json:"minutesRemaining"`
}

func (s *Server) handleListActiveCredentials(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.requireUser(w, r, auth.UserTypeParent)
	if !ok {
		return
	}
	active, err := s.engine.ActiveForGuardian(r.Context(), guardianID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]activeCredentialResponse, 0, len(active))
	for _, cred := range active {
		resp = append(resp, activeCredentialResponse{
			QrCode:           cred.Row.Qr.Code,
			StudentName:      cred.Row.StudentFirstName + " " + cred.Row.StudentLastName,
			Reason:           cred.Row.ReasonName,
			CustomReason:     cred.Row.Qr.CustomReason,
			GeneratedAt:      cred.Row.Qr.CreatedAt,
			ExpiresAt:        cred.Row.Qr.ExpiresAt,
			MinutesRemaining: cred.MinutesRemaining,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type parentStudentResponse struct {
	ID          string  `json:"id"`
	Rut         string  `json:"rut"`
	FirstName   string  `json:"firstName"`
	LastName    string  `json:"lastName"`
	CourseName  string  `json:"courseName"`
	HasActiveQr bool    `json:"hasActiveQr"`
	ActiveQr    *string `json:"activeQrCode,omitempty"`
}

func (s *Server) handleListParentStudents(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.requireUser(w, r, auth.UserTypeParent)
	if !ok {
		return
	}
	students, err := s.store.Queries.ListStudentsByGuardian(r.Context(), guardianID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	active, err := s.engine.ActiveForGuardian(r.Context(), guardianID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	activeByStudent := make(map[uuid.UUID]string, len(active))
	for _, cred := range active {
		activeByStudent[cred.Row.Qr.StudentID] = cred.Row.Qr.Code
	}

	resp := make([]parentStudentResponse, 0, len(students))
	for _, student := range students {
		entry := parentStudentResponse{
			ID:         student.ID.String(),
			Rut:        student.Rut,
			FirstName:  student.FirstName,
			LastName:   student.LastName,
			CourseName: student.CourseName,
		}
		if code, ok := activeByStudent[student.ID]; ok {
			entry.HasActiveQr = true
			entry.ActiveQr = &code
		}
		resp = append(resp, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

type qrHistoryEntry struct {
	ID           string    `json:"id"`
	QrCode       string    `json:"qrCode"`
	State        string    `json:"state"`
	StudentName  string    `json:"studentName"`
	CourseName   string    `json:"courseName"`
	Reason       string    `json:"reason"`
	CustomReason *string   `json:"customReason,omitempty"`
	GeneratedAt  time.Time `json:"generatedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type qrHistoryResponse struct {
	Entries []qrHistoryEntry `json:"entries"`
	Total   int64            `json:"total"`
	Summary map[string]int   `json:"summary"`
}

func (s *Server) handleParentQrHistory(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.requireUser(w, r, auth.UserTypeParent)
	if !ok {
		return
	}
	var studentID *uuid.UUID
	if raw := r.URL.Query().Get("studentId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_student_id")
			return
		}
		studentID = &id
	}
	limit, offset := pagination(r, 20)

	rows, err := s.store.Queries.ListQrHistoryByGuardian(r.Context(), guardianID, studentID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	total, err := s.store.Queries.CountQrHistoryByGuardian(r.Context(), guardianID, studentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	now := s.engine.Now()
	resp := qrHistoryResponse{
		Entries: make([]qrHistoryEntry, 0, len(rows)),
		Total:   total,
		Summary: map[string]int{credentialStateCompleted: 0, credentialStateActive: 0, credentialStateExpired: 0},
	}
	for _, row := range rows {
		state := credentialState(row.Qr, now)
		resp.Summary[state]++
		resp.Entries = append(resp.Entries, qrHistoryEntry{
			ID:           row.Qr.ID.String(),
			QrCode:       row.Qr.Code,
			State:        state,
			StudentName:  row.StudentFirstName + " " + row.StudentLastName,
			CourseName:   row.CourseName,
			Reason:       row.ReasonName,
			CustomReason: row.Qr.CustomReason,
			GeneratedAt:  row.Qr.CreatedAt,
			ExpiresAt:    row.Qr.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type withdrawalHistoryEntry struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Method          string    `json:"method"`
	ContactVerified bool      `json:"contactVerified"`
	StudentName     string    `json:"studentName"`
	CourseName      string    `json:"courseName"`
	Reason          string    `json:"reason"`
	CustomReason    *string   `json:"customReason,omitempty"`
	ApproverName    string    `json:"approverName"`
	RetrieverKind   string    `json:"retrieverKind"`
	RetrieverName   *string   `json:"retrieverName,omitempty"`
	RetrieverRut    *string   `json:"retrieverRut,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	DecidedAt       time.Time `json:"decidedAt"`
}

type withdrawalHistoryResponse struct {
	Entries []withdrawalHistoryEntry `json:"entries"`
	Total   int64                    `json:"total"`
}

func (s *Server) handleParentWithdrawalHistory(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.requireUser(w, r, auth.UserTypeParent)
	if !ok {
		return
	}
	filter, err := historyFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter")
		return
	}
	filter.GuardianUserID = &guardianID
	s.writeWithdrawalHistory(w, r, filter)
}

func (s *Server) handleInspectorWithdrawalHistory(w http.ResponseWriter, r *http.Request) {
	inspectorID, ok := s.requireUser(w, r, auth.UserTypeInspector)
	if !ok {
		return
	}
	filter, err := historyFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter")
		return
	}
	// Inspectors see their own decisions; admins see the whole school.
	claims := claimsFromContext(r.Context())
	if claims != nil && claims.UserType == auth.UserTypeInspector {
		filter.ApproverUserID = &inspectorID
	}
	s.writeWithdrawalHistory(w, r, filter)
}

func (s *Server) writeWithdrawalHistory(w http.ResponseWriter, r *http.Request, filter db.HistoryFilter) {
	rows, err := s.store.Queries.ListWithdrawalHistory(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	total, err := s.store.Queries.CountWithdrawalHistory(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := withdrawalHistoryResponse{Entries: make([]withdrawalHistoryEntry, 0, len(rows)), Total: total}
	for _, row := range rows {
		resp.Entries = append(resp.Entries, withdrawalHistoryEntry{
			ID:              row.Withdrawal.ID.String(),
			Status:          string(row.Withdrawal.Status),
			Method:          string(row.Withdrawal.Method),
			ContactVerified: row.Withdrawal.ContactVerified,
			StudentName:     row.StudentFirstName + " " + row.StudentLastName,
			CourseName:      row.CourseName,
			Reason:          row.ReasonName,
			CustomReason:    row.Withdrawal.CustomReason,
			ApproverName:    row.ApproverName,
			RetrieverKind:   string(row.Withdrawal.RetrieverKind),
			RetrieverName:   row.RetrieverName,
			RetrieverRut:    row.RetrieverRut,
			Notes:           row.Withdrawal.Notes,
			DecidedAt:       row.Withdrawal.DecidedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type parentStatsResponse struct {
	MonthGenerated   int64              `json:"monthGenerated"`
	MonthCompleted   int64              `json:"monthCompleted"`
	MonthExpired     int64              `json:"monthExpired"`
	AllTimeGenerated int64              `json:"allTimeGenerated"`
	AllTimeCompleted int64              `json:"allTimeCompleted"`
	ByStudent        []studentStatsInfo `json:"byStudent"`
}

type studentStatsInfo struct {
	StudentID      string     `json:"studentId"`
	StudentName    string     `json:"studentName"`
	Total          int64      `json:"total"`
	LastWithdrawal *time.Time `json:"lastWithdrawal,omitempty"`
}

func (s *Server) handleParentStats(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.requireUser(w, r, auth.UserTypeParent)
	if !ok {
		return
	}
	now := s.engine.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	stats, err := s.store.Queries.GetGuardianQrStats(r.Context(), guardianID, monthStart, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	perStudent, err := s.store.Queries.ListGuardianStudentQrStats(r.Context(), guardianID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := parentStatsResponse{
		MonthGenerated:   stats.MonthGenerated,
		MonthCompleted:   stats.MonthCompleted,
		MonthExpired:     stats.MonthExpired,
		AllTimeGenerated: stats.AllTimeGenerated,
		AllTimeCompleted: stats.AllTimeCompleted,
		ByStudent:        make([]studentStatsInfo, 0, len(perStudent)),
	}
	for _, row := range perStudent {
		resp.ByStudent = append(resp.ByStudent, studentStatsInfo{
			StudentID:      row.StudentID.String(),
			StudentName:    row.StudentName,
			Total:          row.Total,
			LastWithdrawal: row.LastWithdrawal,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Query helpers

func pagination(r *http.Request, defaultLimit int32) (limit, offset int32) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = int32(parsed)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = int32(parsed)
		}
	}
	return limit, offset
}

func historyFilterFromQuery(r *http.Request) (db.HistoryFilter, error) {
	var filter db.HistoryFilter
	query := r.URL.Query()

	if raw := query.Get("studentId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, err
		}
		filter.StudentID = &id
	}
	if raw := query.Get("status"); raw != "" {
		status := model.WithdrawalStatus(raw)
		filter.Status = &status
	}
	if raw := query.Get("method"); raw != "" {
		method := model.WithdrawalMethod(raw)
		filter.Method = &method
	}
	if raw := query.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.From = &from
	}
	if raw := query.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.To = &to
	}
	filter.Limit, filter.Offset = pagination(r, 20)
	return filter, nil
}
