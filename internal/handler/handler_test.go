package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"schoolpass/internal/auth"
	"schoolpass/internal/httpmiddleware"
	"schoolpass/internal/records"
	"schoolpass/internal/roster"
	"schoolpass/internal/scan"
)

type testAPI struct {
	router *gin.Engine
	roster *roster.Service
	signer *auth.Signer
	store  *records.Memory
	clock  *clock.Mock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := records.NewMemory()
	svc := roster.NewService(mem, nil)
	signer := auth.NewSigner("schoolpass-test", "test-signing-key", 15*time.Minute, time.Hour)
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC))

	h := New(Deps{
		Roster:       svc,
		Sessions:     scan.NewManager(scan.Options{Store: mem, Clock: mock}),
		Signer:       signer,
		LoginLimiter: httpmiddleware.NewTokenBucket(3, 1, mock),
		QRSize:       128,
	})
	r := gin.New()
	h.Register(r)
	return &testAPI{router: r, roster: svc, signer: signer, store: mem, clock: mock}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) user(t *testing.T, email, role, resource string) (records.User, string) {
	t.Helper()
	u, err := a.roster.CreateUser(context.Background(), roster.UserInput{
		Email: email, Name: email, Role: role, AssignedResource: resource, PIN: "2468",
	})
	require.NoError(t, err)
	tokens, err := a.signer.Issue(u)
	require.NoError(t, err)
	return u, tokens.AccessToken
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestLogin(t *testing.T) {
	api := newTestAPI(t)
	api.user(t, "head@school.org", "admin", "")

	w := api.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "Head@School.org", "pin": "2468"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.NotEmpty(t, body["access_token"])
	refresh, _ := body["refresh_token"].(string)
	require.NotEmpty(t, refresh)

	w = api.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": refresh})
	assert.Equal(t, http.StatusOK, w.Code)

	access, _ := body["access_token"].(string)
	w = api.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": access})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_Throttled(t *testing.T) {
	api := newTestAPI(t)
	api.user(t, "head@school.org", "admin", "")

	for i := 0; i < 3; i++ {
		w := api.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "head@school.org", "pin": "0000"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := api.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "head@school.org", "pin": "2468"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// a different email from the same client has its own bucket
	w = api.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "other@school.org", "pin": "2468"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	api.clock.Add(time.Minute)
	w = api.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "head@school.org", "pin": "2468"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStudentRoutes(t *testing.T) {
	api := newTestAPI(t)
	_, admin := api.user(t, "head@school.org", "admin", "")

	w := api.do(t, http.MethodPost, "/v1/students", admin, gin.H{"name": "Amani", "admin_number": "A-100", "class": "4B"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	st := decode[records.Student](t, w)
	assert.NotEmpty(t, st.ID)

	w = api.do(t, http.MethodPost, "/v1/students", admin, gin.H{"name": "Copy", "admin_number": "a-100"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPost, "/v1/students", admin, gin.H{"bus_name": "North"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "admin_number")

	w = api.do(t, http.MethodPut, "/v1/students/"+st.ID+"/payments/meal", admin, gin.H{"paid": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[records.Student](t, w).Meal.IsPaid)

	w = api.do(t, http.MethodPut, "/v1/students/"+st.ID+"/payments/library", admin, gin.H{"paid": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/v1/students/"+st.ID+"/qr.png", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = api.do(t, http.MethodPost, "/v1/students/"+st.ID+"/qr/publish", admin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = api.do(t, http.MethodPost, "/v1/students/"+st.ID+"/regenerate-id", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	regenerated := decode[records.Student](t, w)
	assert.NotEqual(t, st.ID, regenerated.ID)

	w = api.do(t, http.MethodGet, "/v1/students/"+st.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodDelete, "/v1/students/"+regenerated.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRoleGates(t *testing.T) {
	api := newTestAPI(t)
	_, driver := api.user(t, "driver@school.org", "operator", "BUS-01")
	_, viewer := api.user(t, "office@school.org", "supervisor", "")

	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/v1/students", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, api.do(t, http.MethodGet, "/v1/students", driver, nil).Code)
	assert.Equal(t, http.StatusForbidden, api.do(t, http.MethodGet, "/v1/logs", driver, nil).Code)
	assert.Equal(t, http.StatusForbidden, api.do(t, http.MethodGet, "/v1/students", viewer, nil).Code)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/v1/logs", viewer, nil).Code)
}

func TestScanSessionFlow(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	_, driver := api.user(t, "driver@school.org", "operator", "BUS-01")
	_, other := api.user(t, "cook@school.org", "operator", "")
	_, viewer := api.user(t, "office@school.org", "supervisor", "")

	st, err := api.roster.RegisterStudent(ctx, roster.StudentInput{Name: "Amani", AdminNumber: "A-100", BusName: "North", BusNumber: "BUS-01"})
	require.NoError(t, err)
	_, err = api.roster.SetPayment(ctx, st.ID, records.Transport, true)
	require.NoError(t, err)

	w := api.do(t, http.MethodPost, "/v1/sessions", driver, gin.H{"facing": "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, "/v1/sessions", driver, gin.H{"facing": "user"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[sessionResponse](t, w)
	assert.Equal(t, scan.Streaming, created.State)
	assert.Equal(t, scan.FacingUser, created.Capture.Facing)
	path := "/v1/sessions/" + created.ID

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, path, other, nil).Code)

	w = api.do(t, http.MethodPost, path+"/frames", driver, gin.H{"payload": st.ID})
	require.Equal(t, http.StatusOK, w.Code)
	var frame struct {
		Accepted bool          `json:"accepted"`
		Session  scan.Snapshot `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &frame))
	assert.True(t, frame.Accepted)
	assert.Equal(t, scan.DisplayingOutcome, frame.Session.State)
	require.NotNil(t, frame.Session.Display)
	assert.Equal(t, "approved", string(frame.Session.Display.Outcome.Kind))

	w = api.do(t, http.MethodPost, path+"/frames", driver, gin.H{"payload": st.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"accepted":false`)

	w = api.do(t, http.MethodGet, "/v1/logs", viewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[struct {
		Logs []records.ScanLog `json:"logs"`
	}](t, w)
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "Amani", logs.Logs[0].StudentName)

	w = api.do(t, http.MethodGet, "/v1/logs/export.xlsx", viewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "scan-logs-")
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	name, err := f.GetCellValue("Scan Logs", "B2")
	require.NoError(t, err)
	assert.Equal(t, "Amani", name)

	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, path, driver, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, path, driver, nil).Code)
}

func TestDeleteUser_ClosesTheirSessions(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	_, head := api.user(t, "head@school.org", "admin", "")
	driverUser, driver := api.user(t, "driver@school.org", "operator", "BUS-01")

	st, err := api.roster.RegisterStudent(ctx, roster.StudentInput{Name: "Amani", AdminNumber: "A-100", BusNumber: "BUS-01"})
	require.NoError(t, err)
	_, err = api.roster.SetPayment(ctx, st.ID, records.Transport, true)
	require.NoError(t, err)

	w := api.do(t, http.MethodPost, "/v1/sessions", driver, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	path := "/v1/sessions/" + decode[sessionResponse](t, w).ID

	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, "/v1/users/"+driverUser.ID, head, nil).Code)

	// the access token is still signed but the session is gone
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, path+"/frames", driver, gin.H{"payload": st.ID}).Code)
	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodPost, "/v1/sessions", driver, nil).Code)

	got, err := api.store.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Transport.LastScanTime)
	logs, err := api.store.ListScanLogs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestScanSession_DeviceErrorAndRetry(t *testing.T) {
	api := newTestAPI(t)
	_, cook := api.user(t, "cook@school.org", "operator", "")

	w := api.do(t, http.MethodPost, "/v1/sessions", cook, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	path := "/v1/sessions/" + decode[sessionResponse](t, w).ID

	assert.Equal(t, http.StatusConflict, api.do(t, http.MethodPost, path+"/retry", cook, nil).Code)

	w = api.do(t, http.MethodPost, path+"/device-error", cook, gin.H{"reason": "permission_denied"})
	require.Equal(t, http.StatusOK, w.Code)
	failed := decode[sessionResponse](t, w)
	assert.Equal(t, scan.Failed, failed.State)
	assert.Equal(t, scan.FailurePermissionDenied, failed.Failure)
	assert.False(t, failed.Capture.Active)

	w = api.do(t, http.MethodPost, path+"/retry", cook, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, scan.Streaming, decode[sessionResponse](t, w).State)
}

func TestSettingsAndTermReset(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	me, admin := api.user(t, "head@school.org", "admin", "")

	st, err := api.roster.RegisterStudent(ctx, roster.StudentInput{Name: "Amani", AdminNumber: "A-100"})
	require.NoError(t, err)
	_, err = api.roster.SetPayment(ctx, st.ID, records.Meal, true)
	require.NoError(t, err)

	w := api.do(t, http.MethodPut, "/v1/settings", admin, gin.H{"term_end_date": time.Now().Add(-time.Hour).UTC()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodPost, "/v1/term/reset", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["applied"])
	assert.EqualValues(t, 1, body["cleared"])

	w = api.do(t, http.MethodPost, "/v1/term/reset", admin, nil)
	assert.Equal(t, false, decode[map[string]any](t, w)["applied"])

	got, err := api.roster.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, got.Meal.IsPaid)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodDelete, "/v1/users/"+me.ID, admin, nil).Code)
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(Deps{Health: map[string]HealthCheck{
		"postgres": func(context.Context) bool { return true },
		"redis":    func(context.Context) bool { return false },
	}})
	r := gin.New()
	r.GET("/healthz", h.Healthz)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}
