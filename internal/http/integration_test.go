package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"ritta/withdrawals/internal/auth"
)

// These tests run against a live service started with DEMO_SEED=1 so the
// fixed demo users, students and reasons below exist.

const (
	demoGuardianID  = "22222222-2222-2222-2222-222222222221"
	demoInspectorID = "22222222-2222-2222-2222-222222222232"
	demoStudentID   = "33333333-3333-3333-3333-333333333331"
	demoReasonID    = "44444444-4444-4444-4444-444444444441"
)

type issueResponse struct {
	QrCode    string    `json:"qrCode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type processResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Method          string `json:"method"`
	ContactVerified bool   `json:"contactVerified"`
}

type manualResponse struct {
	ManualAuthorization       bool             `json:"manualAuthorization"`
	RequiresDelegateSelection bool             `json:"requiresDelegateSelection"`
	AllowManualDelegate       bool             `json:"allowManualDelegate"`
	PendingParentApproval     bool             `json:"pendingParentApproval"`
	Withdrawal                *processResponse `json:"withdrawal"`
}

type pendingEntry struct {
	ID string `json:"id"`
}

func TestQrCredentialLifecycle(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("WITHDRAWALS_HTTP_ADDR", "http://127.0.0.1:8084")
	guardianToken := mintToken(t, demoGuardianID, auth.UserTypeParent)
	inspectorToken := mintToken(t, demoInspectorID, auth.UserTypeInspector)

	// Issue a credential.
	issued := issueCredential(t, baseURL, guardianToken, demoStudentID, demoReasonID)
	if len(issued.QrCode) != 6 {
		t.Fatalf("expected 6-digit code, got %q", issued.QrCode)
	}

	// A second issue for the same student must conflict.
	resp, body := doRequest(t, http.MethodPost, baseURL+"/withdrawals/parent/qr", guardianToken, map[string]string{
		"studentId": demoStudentID,
		"reasonId":  demoReasonID,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate issue, got %d: %s", resp.StatusCode, body)
	}

	// Inspector sees the credential context before deciding.
	resp, body = doRequest(t, http.MethodGet, baseURL+"/withdrawals/inspector/qr/"+issued.QrCode+"/info", inspectorToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on info, got %d: %s", resp.StatusCode, body)
	}

	// A malformed code is rejected before any lookup.
	resp, body = doRequest(t, http.MethodGet, baseURL+"/withdrawals/inspector/qr/12AB56/info", inspectorToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on malformed code, got %d: %s", resp.StatusCode, body)
	}

	// Approve the pickup; the credential burns with it.
	record := processCredential(t, baseURL, inspectorToken, issued.QrCode, "APPROVE")
	if record.Status != "APPROVED" || record.Method != "QR" || !record.ContactVerified {
		t.Fatalf("unexpected record after approval: %+v", record)
	}

	// Second scan of the same code must fail: single use.
	resp, body = doRequest(t, http.MethodPost, baseURL+"/withdrawals/inspector/qr/process", inspectorToken, map[string]string{
		"qrCode": issued.QrCode,
		"action": "APPROVE",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on reused code, got %d: %s", resp.StatusCode, body)
	}
}

func TestQrCredentialCancel(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("WITHDRAWALS_HTTP_ADDR", "http://127.0.0.1:8084")
	guardianToken := mintToken(t, demoGuardianID, auth.UserTypeParent)
	inspectorToken := mintToken(t, demoInspectorID, auth.UserTypeInspector)

	issued := issueCredential(t, baseURL, guardianToken, demoStudentID, demoReasonID)

	resp, body := doRequest(t, http.MethodDelete, baseURL+"/withdrawals/parent/qr/"+issued.QrCode, guardianToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on cancel, got %d: %s", resp.StatusCode, body)
	}

	// A cancelled code is gone for the inspector too.
	resp, body = doRequest(t, http.MethodGet, baseURL+"/withdrawals/inspector/qr/"+issued.QrCode+"/info", inspectorToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after cancel, got %d: %s", resp.StatusCode, body)
	}
}

func TestManualAuthorizationAdHocFlow(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("WITHDRAWALS_HTTP_ADDR", "http://127.0.0.1:8084")
	guardianToken := mintToken(t, demoGuardianID, auth.UserTypeParent)
	inspectorToken := mintToken(t, demoInspectorID, auth.UserTypeInspector)

	// First call with no retriever: the server answers with the options.
	resp, body := doRequest(t, http.MethodPost, baseURL+"/withdrawals/inspector/authorize-manual", inspectorToken, map[string]any{
		"studentId": demoStudentID,
		"reasonId":  demoReasonID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on first call, got %d: %s", resp.StatusCode, body)
	}
	var options manualResponse
	if err := json.Unmarshal(body, &options); err != nil {
		t.Fatalf("decode options: %v", err)
	}
	if options.ManualAuthorization {
		t.Fatalf("expected unresolved first call, got committed withdrawal")
	}

	// Commit with an extraordinary delegate. The demo guardian has
	// registered delegates, so an override justification is required.
	payload := map[string]any{
		"studentId": demoStudentID,
		"reasonId":  demoReasonID,
		"manualDelegate": map[string]string{
			"name":                  "Marta Soto",
			"rut":                   "12.345.678-5",
			"phone":                 "+56911112222",
			"relationshipToStudent": "Aunt",
		},
	}
	if options.RequiresDelegateSelection {
		payload["allowManualDelegateOverride"] = true
		payload["manualDelegateOverrideReason"] = "No registered delegate reachable"
	} else {
		payload["unregisteredDelegateReason"] = "Guardian has no registered delegates"
	}
	resp, body = doRequest(t, http.MethodPost, baseURL+"/withdrawals/inspector/authorize-manual", inspectorToken, payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on commit, got %d: %s", resp.StatusCode, body)
	}
	var committed manualResponse
	if err := json.Unmarshal(body, &committed); err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	if !committed.ManualAuthorization || !committed.PendingParentApproval || committed.Withdrawal == nil {
		t.Fatalf("expected pending manual withdrawal, got %+v", committed)
	}
	if committed.Withdrawal.Status != "PENDING" || committed.Withdrawal.ContactVerified {
		t.Fatalf("expected PENDING unverified record, got %+v", committed.Withdrawal)
	}
	withdrawalID := committed.Withdrawal.ID

	// The request shows up for the guardian.
	if !pendingContains(t, baseURL+"/withdrawals/parent/pending", guardianToken, withdrawalID) {
		t.Fatalf("withdrawal %s not in guardian pending list", withdrawalID)
	}

	// Guardian approves the delegate: contact verified, still PENDING.
	record := decide(t, baseURL+"/withdrawals/parent/pending/"+withdrawalID, guardianToken, "APPROVE", "She picks him up on Fridays")
	if record.Status != "PENDING" || !record.ContactVerified {
		t.Fatalf("expected verified PENDING record, got %+v", record)
	}

	// Now it waits on the originating inspector.
	if !pendingContains(t, baseURL+"/withdrawals/inspector/pending", inspectorToken, withdrawalID) {
		t.Fatalf("withdrawal %s not in inspector pending list", withdrawalID)
	}

	// Inspector finalizes the pickup.
	record = decide(t, baseURL+"/withdrawals/inspector/pending/"+withdrawalID, inspectorToken, "APPROVE", "")
	if record.Status != "APPROVED" {
		t.Fatalf("expected APPROVED record, got %+v", record)
	}

	// Terminal records take no further decisions.
	resp, body = doRequest(t, http.MethodPost, baseURL+"/withdrawals/inspector/pending/"+withdrawalID, inspectorToken, map[string]string{"action": "DENY"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on repeat decision, got %d: %s", resp.StatusCode, body)
	}
}

func mintToken(t *testing.T, userID, userType string) string {
	t.Helper()
	secret := getenv("JWT_SECRET", "dev-secret")
	issuer := getenv("JWT_ISSUER", "ritta-auth")
	token, err := auth.NewAccessToken(secret, issuer, time.Hour, auth.Claims{UserID: userID, UserType: userType})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func issueCredential(t *testing.T, baseURL, token, studentID, reasonID string) issueResponse {
	t.Helper()
	resp, body := doRequest(t, http.MethodPost, baseURL+"/withdrawals/parent/qr", token, map[string]string{
		"studentId": studentID,
		"reasonId":  reasonID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on issue, got %d: %s", resp.StatusCode, body)
	}
	var issued issueResponse
	if err := json.Unmarshal(body, &issued); err != nil {
		t.Fatalf("decode issue: %v", err)
	}
	return issued
}

func processCredential(t *testing.T, baseURL, token, code, action string) processResponse {
	t.Helper()
	resp, body := doRequest(t, http.MethodPost, baseURL+"/withdrawals/inspector/qr/process", token, map[string]string{
		"qrCode": code,
		"action": action,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on process, got %d: %s", resp.StatusCode, body)
	}
	var record processResponse
	if err := json.Unmarshal(body, &record); err != nil {
		t.Fatalf("decode process: %v", err)
	}
	return record
}

func decide(t *testing.T, url, token, action, comment string) processResponse {
	t.Helper()
	resp, body := doRequest(t, http.MethodPost, url, token, map[string]string{
		"action":  action,
		"comment": comment,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on decision, got %d: %s", resp.StatusCode, body)
	}
	var record processResponse
	if err := json.Unmarshal(body, &record); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	return record
}

func pendingContains(t *testing.T, url, token, withdrawalID string) bool {
	t.Helper()
	resp, body := doRequest(t, http.MethodGet, url, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on pending list, got %d: %s", resp.StatusCode, body)
	}
	var entries []pendingEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode pending list: %v", err)
	}
	for _, entry := range entries {
		if entry.ID == withdrawalID {
			return true
		}
	}
	return false
}

func doRequest(t *testing.T, method, url, token string, payload any) (*http.Response, []byte) {
	t.Helper()
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewBuffer(bodyBytes))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, body
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
