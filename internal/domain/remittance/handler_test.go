package remittance

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/revcycle/internal/domain/billing"
)

func newTestServer(env *testEnv) *echo.Echo {
	e := echo.New()
	NewHandler(env.engine).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ApplyAndFetchBatch(t *testing.T) {
	env := newTestEnv(t)
	c := env.submittedClaim(t)
	e := newTestServer(env)

	body := fmt.Sprintf(`{"batch_id":"ERA-H1","check_number":"CHK9","claims":[
		{"control_number":%q,"claim_status_code":"1",
		 "service_lines":[{"procedure_code":"99213","paid_amount":"90",
		   "adjustments":[{"group_code":"CO","reason_code":"45","amount":"30"}]}]}]}`, *c.ControlNumber)

	rec := do(e, http.MethodPost, "/api/v1/remittances", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, billing.OutcomeApplied, res.Outcomes[0].Status)
	assert.Equal(t, "ERA-H1", res.Batch.BatchID)

	rec = do(e, http.MethodGet, "/api/v1/remittances/ERA-H1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var h BatchHeader
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "CHK9", h.CheckNumber)
	assert.Equal(t, 1, h.AppliedCount)

	rec = do(e, http.MethodGet, "/api/v1/remittances/ERA-H1/payload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, body, rec.Body.String())

	rec = do(e, http.MethodGet, "/api/v1/remittances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestHandler_Errors(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env)

	rec := do(e, http.MethodGet, "/api/v1/remittances/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/remittances/missing/payload", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/remittances", `{"batch_id":"X","claims":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/remittances", `not json`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
