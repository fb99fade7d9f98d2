package assessment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mindwell/intake/internal/platform/auth"
)

func newTestRouter(t *testing.T) (*echo.Echo, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	e := echo.New()
	h := NewHandler(env.svc)
	h.RegisterRoutes(e.Group("/api/v1"), e.Group("/admin/v1"))
	return e, env
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func doAdmin(e *echo.Echo, method, path, body string, roles ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), "reviewer-1", roles))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_ListInstruments(t *testing.T) {
	e, _ := newTestRouter(t)
	rec := doJSON(e, http.MethodGet, "/api/v1/assessments", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []Summary
	decode(t, rec, &list)
	if len(list) != 8 || list[0].ID != "anxiety" || list[0].MaxScore != 21 {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestHandler_GetInstrument(t *testing.T) {
	e, _ := newTestRouter(t)

	rec := doJSON(e, http.MethodGet, "/api/v1/assessments/social-anxiety", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var v instrumentView
	decode(t, rec, &v)
	if len(v.Items) != 8 || !v.Items[7].Excluded || v.Items[7].Labels[3] != "Yes" {
		t.Errorf("unexpected items %+v", v.Items)
	}
	if v.Flags == nil {
		t.Error("flags should be an empty list, not null")
	}
	if strings.Contains(rec.Body.String(), `"when"`) {
		t.Error("rule predicates leaked into the public view")
	}

	if rec := doJSON(e, http.MethodGet, "/api/v1/assessments/bogus", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ScoreAssessment(t *testing.T) {
	e, _ := newTestRouter(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/assessments/nicotine/score",
		`{"responses":[0,0,0,0,0,0,0,0],"flags":{"pregnant":true}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var p TriagePayload
	decode(t, rec, &p)
	if p.Score != 0 || p.Severity != SeverityLow || !hasRec(p.Recommendations, "perinatal-cessation") {
		t.Errorf("unexpected payload %+v", p)
	}
	if len(p.CrisisResources) == 0 {
		t.Error("expected crisis resources")
	}

	if rec := doJSON(e, http.MethodPost, "/api/v1/assessments/nicotine/score", `{"responses":`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed json, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/api/v1/assessments/bogus/score", `{"responses":[]}`); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_SubmitAssessment(t *testing.T) {
	e, env := newTestRouter(t)

	body := `{"responses":[3,3,3,3,3,3,3,3],"contact":{"name":"Jane","email":"jane@example.com","consent":true}}`
	rec := doJSON(e, http.MethodPost, "/api/v1/assessments/anxiety/submissions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	decode(t, rec, &resp)
	if resp.SubmissionID == uuid.Nil || resp.ForwardStatus != ForwardForwarded {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Payload.Score != 21 || resp.Payload.Severity != SeveritySevere {
		t.Errorf("unexpected payload %+v", resp.Payload)
	}
	if strings.Contains(rec.Body.String(), "jane@example.com") {
		t.Error("contact details echoed to the client")
	}
	if env.repo.stored(resp.SubmissionID) == nil {
		t.Error("submission not stored")
	}

	noConsent := `{"responses":[0],"contact":{"email":"jane@example.com"}}`
	if rec := doJSON(e, http.MethodPost, "/api/v1/assessments/anxiety/submissions", noConsent); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 without consent, got %d", rec.Code)
	}
	noChannel := `{"responses":[0],"contact":{"name":"Jane","consent":true}}`
	if rec := doJSON(e, http.MethodPost, "/api/v1/assessments/anxiety/submissions", noChannel); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 without email or phone, got %d", rec.Code)
	}
}

func TestHandler_SessionFlow(t *testing.T) {
	e, _ := newTestRouter(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/assessments/panic/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d", rec.Code)
	}
	var sess Session
	decode(t, rec, &sess)
	base := "/api/v1/sessions/" + sess.ID.String()

	if rec := doJSON(e, http.MethodPost, base+"/answer", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing value: expected 400, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, base+"/answer", `{"value":9}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("out of range: expected 422, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, base+"/score", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("incomplete score: expected 422, got %d", rec.Code)
	}

	for i := 0; i < 8; i++ {
		if rec := doJSON(e, http.MethodPost, base+"/answer", `{"value":2}`); rec.Code != http.StatusOK {
			t.Fatalf("answer %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rec := doJSON(e, http.MethodPost, base+"/back", ""); rec.Code != http.StatusOK {
		t.Errorf("back: expected 200, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, base+"/answer", `{"value":2}`); rec.Code != http.StatusOK {
		t.Errorf("re-answer: expected 200, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, base+"/flags", `{"flags":{"medicalRedFlags":true}}`); rec.Code != http.StatusOK {
		t.Errorf("flags: expected 200, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, base+"/score", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("score: expected 200, got %d", rec.Code)
	}
	decode(t, rec, &sess)
	if sess.State != StateScored || sess.Result.Score != 16 {
		t.Errorf("unexpected scored session %+v", sess)
	}

	rec = doJSON(e, http.MethodPost, base+"/submit", `{"contact":{"phone":"555-0100","consent":true}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(e, http.MethodPost, base+"/answer", `{"value":1}`); rec.Code != http.StatusConflict {
		t.Errorf("answer after submit: expected 409, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, base, "")
	decode(t, rec, &sess)
	if sess.State != StateSubmitted {
		t.Errorf("expected submitted, got %s", sess.State)
	}
}

func TestHandler_SessionNotFound(t *testing.T) {
	e, _ := newTestRouter(t)
	if rec := doJSON(e, http.MethodGet, "/api/v1/sessions/"+uuid.New().String(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodGet, "/api/v1/sessions/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_CrisisResources(t *testing.T) {
	e, _ := newTestRouter(t)
	rec := doJSON(e, http.MethodGet, "/api/v1/crisis-resources", "")
	var out []CrisisResource
	decode(t, rec, &out)
	if len(out) != len(CrisisResources) {
		t.Errorf("expected %d resources, got %d", len(CrisisResources), len(out))
	}
}

func TestHandler_AdminRequiresRole(t *testing.T) {
	e, _ := newTestRouter(t)
	if rec := doAdmin(e, http.MethodGet, "/admin/v1/submissions", ""); rec.Code != http.StatusForbidden {
		t.Errorf("no roles: expected 403, got %d", rec.Code)
	}
	if rec := doAdmin(e, http.MethodGet, "/admin/v1/submissions", "", "viewer"); rec.Code != http.StatusForbidden {
		t.Errorf("viewer: expected 403, got %d", rec.Code)
	}
	if rec := doAdmin(e, http.MethodGet, "/admin/v1/submissions", "", "clinician"); rec.Code != http.StatusOK {
		t.Errorf("clinician: expected 200, got %d", rec.Code)
	}
}

func TestHandler_AdminReview(t *testing.T) {
	e, env := newTestRouter(t)
	env.forwarder.fail = true

	body := `{"responses":[1,1,1,1,1,1,1,1],"contact":{"email":"jane@example.com","consent":true}}`
	rec := doJSON(e, http.MethodPost, "/api/v1/assessments/anxiety/submissions", body)
	var resp submitResponse
	decode(t, rec, &resp)
	if resp.ForwardStatus != ForwardFailed {
		t.Fatalf("expected failed forward, got %s", resp.ForwardStatus)
	}
	path := "/admin/v1/submissions/" + resp.SubmissionID.String()

	rec = doAdmin(e, http.MethodGet, path, "", "clinician")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var sub Submission
	decode(t, rec, &sub)
	if stringVal(sub.ContactEmail) != "jane@example.com" {
		t.Errorf("expected decrypted contact for reviewers, got %q", stringVal(sub.ContactEmail))
	}

	rec = doAdmin(e, http.MethodGet, "/admin/v1/submissions?forward_status=failed", "", "admin")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("list: unexpected %d %s", rec.Code, rec.Body.String())
	}

	if rec := doAdmin(e, http.MethodPatch, path+"/status", `{"status":"in-review"}`, "clinician"); rec.Code != http.StatusNoContent {
		t.Errorf("status: expected 204, got %d", rec.Code)
	}
	if stringVal(env.repo.stored(resp.SubmissionID).ReviewedBy) != "reviewer-1" {
		t.Error("reviewer not recorded")
	}
	if rec := doAdmin(e, http.MethodPatch, path+"/status", `{"status":"archived"}`, "clinician"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", rec.Code)
	}

	env.forwarder.fail = false
	if rec := doAdmin(e, http.MethodPost, path+"/forward", "", "clinician"); rec.Code != http.StatusOK {
		t.Errorf("forward: expected 200, got %d", rec.Code)
	}
	if rec := doAdmin(e, http.MethodPost, path+"/forward", "", "clinician"); rec.Code != http.StatusConflict {
		t.Errorf("second forward: expected 409, got %d", rec.Code)
	}

	rec = doAdmin(e, http.MethodGet, "/admin/v1/submissions/stats", "", "clinician")
	var stats []SeverityCount
	decode(t, rec, &stats)
	if len(stats) != 1 || stats[0].Severity != SeverityMild {
		t.Errorf("unexpected stats %+v", stats)
	}

	if rec := doAdmin(e, http.MethodGet, "/admin/v1/submissions/"+uuid.New().String(), "", "clinician"); rec.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", rec.Code)
	}
}

// unreachableRepo fails every call the way a lost database connection does.
type unreachableRepo struct {
	*mockSubmissionRepo
}

var errDatabaseDown = errors.New(`connect to 10.0.3.7:5432: password authentication failed for user "intake_rw"`)

func (unreachableRepo) Create(context.Context, *Submission) error { return errDatabaseDown }

func (unreachableRepo) Search(context.Context, map[string]string, int, int) ([]*Submission, int, error) {
	return nil, 0, errDatabaseDown
}

func (unreachableRepo) CountBySeverity(context.Context) ([]SeverityCount, error) {
	return nil, errDatabaseDown
}

func TestHandler_StorageFailureIsGeneric(t *testing.T) {
	var logs bytes.Buffer
	svc := NewService(mustRegistry(t), unreachableRepo{newMockSubmissionRepo()}, NewMemorySessionStore(time.Hour), zerolog.New(&logs))
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"), e.Group("/admin/v1"))

	body := `{"responses":[1,1,1,1,1,1,1,0],"contact":{"email":"jane@example.com","consent":true}}`
	rec := doJSON(e, http.MethodPost, "/api/v1/assessments/anxiety/submissions", body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), msgSaveSubmission) {
		t.Errorf("expected a retryable message, got %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "10.0.3.7") || strings.Contains(rec.Body.String(), "intake_rw") {
		t.Errorf("internal error leaked to the client: %s", rec.Body.String())
	}
	if !strings.Contains(logs.String(), "password authentication failed") {
		t.Errorf("expected the cause in the server log, got %s", logs.String())
	}

	for _, path := range []string{"/admin/v1/submissions", "/admin/v1/submissions/stats"} {
		rec := doAdmin(e, http.MethodGet, path, "", "clinician")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", path, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "10.0.3.7") || !strings.Contains(rec.Body.String(), msgInternal) {
			t.Errorf("%s: unexpected body %s", path, rec.Body.String())
		}
	}
}
