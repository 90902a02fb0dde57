package httpserver_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/httpserver/middleware"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/testutil"
)

type apiClient struct {
	t     *testing.T
	base  string
	token string
}

func (c apiClient) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	decoded := map[string]any{}
	if len(bytes.TrimSpace(payload)) > 0 {
		require.NoError(c.t, json.Unmarshal(payload, &decoded), string(payload))
	}
	return resp.StatusCode, decoded
}

func statusOf(t *testing.T, body map[string]any) string {
	t.Helper()
	req, ok := body["request"].(map[string]any)
	require.True(t, ok, "response carries the request")
	return req["status"].(string)
}

func totalOf(t *testing.T, editor map[string]any) decimal.Decimal {
	t.Helper()
	sel := editor["selection"].(map[string]any)
	total, err := decimal.NewFromString(sel["totalAmount"].(string))
	require.NoError(t, err)
	return total
}

func TestAPIRejectsMissingToken(t *testing.T) {
	t.Parallel()

	stack := testutil.NewServer(t)
	client := apiClient{t: t, base: stack.Server.URL}

	code, body := client.do(http.MethodGet, "/admin/api/requests", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, middleware.ReasonMissingToken, body["error"])

	code, body = client.do(http.MethodGet, "/admin/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
}

func TestAPIForbidsMissingCapability(t *testing.T) {
	t.Parallel()

	auth := &tokenAuthenticator{Token: "support-token", Roles: []string{"support"}}
	stack := testutil.NewServer(t, testutil.WithAuthenticator(auth))
	client := apiClient{t: t, base: stack.Server.URL, token: auth.Token}

	code, body := client.do(http.MethodPost, "/admin/api/requests/req-1001/accept", nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "forbidden", body["error"])
	require.Zero(t, stack.Requests.Calls("accept"))

	code, body = client.do(http.MethodGet, "/admin/api/me", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "test", body["environment"])
	require.Contains(t, body["capabilities"], "requests.cancel")
	require.NotContains(t, body["capabilities"], "bills.submit")
}

func TestMedicineRequestEndToEnd(t *testing.T) {
	t.Parallel()

	auth := &tokenAuthenticator{Token: "ops-token", Roles: []string{"admin"}}
	stack := testutil.NewServer(t, testutil.WithAuthenticator(auth), testutil.WithWorklist())
	client := apiClient{t: t, base: stack.Server.URL, token: auth.Token}

	code, body := client.do(http.MethodGet, "/admin/api/requests?status=pending", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["requests"], 2)

	code, body = client.do(http.MethodPost, "/admin/api/requests/req-1001/accept", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(requests.StatusAccepted), statusOf(t, body))

	code, editor := client.do(http.MethodPost, "/admin/api/requests/req-1001/editor", nil)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, false, editor["readOnly"])
	require.Len(t, editor["providers"], 2, "only approved pharmacies are offered")
	editorPath := "/admin/api/editors/" + editor["id"].(string)

	line := map[string]any{
		"providerId": "pharm-apollo",
		"item":       map[string]any{"name": "Paracetamol", "dosage": "500mg"},
	}
	code, body = client.do(http.MethodPost, editorPath+"/lines", line)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["selected"])

	line["quantity"] = 3
	code, editor = client.do(http.MethodPatch, editorPath+"/lines/quantity", line)
	require.Equal(t, http.StatusOK, code)
	require.True(t, decimal.NewFromInt(30).Equal(totalOf(t, editor)))

	code, body = client.do(http.MethodPost, editorPath+"/submit", map[string]any{"message": "ready for pickup"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(requests.StatusBillGenerated), statusOf(t, body))
	require.Equal(t, true, body["editor"].(map[string]any)["readOnly"])

	code, body = client.do(http.MethodPost, editorPath+"/submit", map[string]any{})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "already_billed", body["error"])
	require.Equal(t, 1, stack.Requests.Calls("respond"))

	code, body = client.do(http.MethodPost, "/admin/api/requests/req-1001/cancel", map[string]any{"reason": "patient request"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "action_unavailable", body["error"])
	require.Zero(t, stack.Requests.Calls("cancel"))

	code, body = client.do(http.MethodPost, "/admin/api/requests/req-1001/payment", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(requests.StatusPaymentConfirmed), statusOf(t, body))

	code, body = client.do(http.MethodPost, "/admin/api/requests/req-1001/assign", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(requests.StatusCompleted), statusOf(t, body))
	require.Len(t, body["orders"], 1)
	require.Len(t, stack.Publisher.Orders(), 1)

	code, _ = client.do(http.MethodDelete, editorPath, nil)
	require.Equal(t, http.StatusNoContent, code)
	code, body = client.do(http.MethodGet, editorPath, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["error"])
}

func TestLabEditorAllowsOneLaboratory(t *testing.T) {
	t.Parallel()

	stack := testutil.NewServer(t)
	client := apiClient{t: t, base: stack.Server.URL, token: "anyone"}

	code, editor := client.do(http.MethodPost, "/admin/api/requests/req-1002/editor", nil)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, true, editor["singleProvider"])
	editorPath := "/admin/api/editors/" + editor["id"].(string)

	code, _ = client.do(http.MethodPost, editorPath+"/providers/lab-metropolis", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := client.do(http.MethodPost, editorPath+"/providers/lab-thyrocare", nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "single_provider", body["error"])

	code, body = client.do(http.MethodPatch, editorPath+"/lines/quantity", map[string]any{
		"providerId": "lab-metropolis",
		"item":       map[string]any{"name": "CBC"},
		"quantity":   "2",
	})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "invalid_selection", body["error"])

	code, body = client.do(http.MethodPost, editorPath+"/submit", map[string]any{})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "validation_failed", body["error"])
	require.Contains(t, body["fieldErrors"], "lineItems")
	require.Zero(t, stack.Requests.Calls("respond"))
}

func TestUnknownRequestIsNotFound(t *testing.T) {
	t.Parallel()

	stack := testutil.NewServer(t)
	client := apiClient{t: t, base: stack.Server.URL, token: "anyone"}

	code, body := client.do(http.MethodGet, "/admin/api/requests/req-missing", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["error"])

	code, body = client.do(http.MethodGet, "/admin/api/providers?kind=spaceship", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_request", body["error"])
}

type tokenAuthenticator struct {
	Token string
	Roles []string
}

func (t *tokenAuthenticator) Authenticate(_ *http.Request, token string) (*middleware.User, error) {
	if token != t.Token {
		return nil, middleware.ErrUnauthorized
	}
	return &middleware.User{
		UID:   "tester",
		Email: "tester@example.com",
		Token: token,
		Roles: t.Roles,
	}, nil
}
