package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"rolemail/internal/ledger"
	logx "rolemail/pkg/logx"
)

type fakeRecorder struct {
	userID   int64
	newRole  string
	previous []string
}

func (f *fakeRecorder) RoleChanged(_ context.Context, userID int64, newRole string, previousRoles []string) error {
	f.userID = userID
	f.newRole = newRole
	f.previous = previousRoles
	return nil
}

func newHandler(t *testing.T) (http.Handler, ledger.Store) {
	t.Helper()
	h, st, _ := newHandlerWithRecorder(t, Config{Enabled: true})
	return h, st
}

func newHandlerWithRecorder(t *testing.T, cfg Config) (http.Handler, ledger.Store, *fakeRecorder) {
	t.Helper()
	st, err := ledger.Open(ledger.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	rec := &fakeRecorder{}
	return New(cfg, st, rec, logx.Nop()).Handler(), st, rec
}

func decodeValidate(t *testing.T, rec *httptest.ResponseRecorder) validateResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code)
	var resp validateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestValidateKnownToken(t *testing.T) {
	h, st := newHandler(t)
	token, err := st.TokenFor(context.Background(), 77)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tokens/validate?token="+token, nil))

	resp := decodeValidate(t, rec)
	require.True(t, resp.Valid)
	require.Equal(t, int64(77), resp.UserID)
}

func TestValidateUnknownToken(t *testing.T) {
	h, _ := newHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/tokens/validate?token=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", nil))

	resp := decodeValidate(t, rec)
	require.False(t, resp.Valid)
	require.Zero(t, resp.UserID)
}

func TestValidateMalformedToken(t *testing.T) {
	h, _ := newHandler(t)
	for _, q := range []string{"", "?token=", "?token=short", "?token=" + strings.Repeat("A", 500)} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tokens/validate"+q, nil))
		resp := decodeValidate(t, rec)
		require.False(t, resp.Valid, "query %q", q)
	}
}

func TestRoleChangeRequiresBearerToken(t *testing.T) {
	h, _, rec := newHandlerWithRecorder(t, Config{Enabled: true, Token: "sekrit"})
	body := `{"user_id":12,"new_role":"paid","previous_roles":["trial"]}`

	r := httptest.NewRequest(http.MethodPost, "/v1/role-changes", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Zero(t, rec.userID)

	r = httptest.NewRequest(http.MethodPost, "/v1/role-changes", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, int64(12), rec.userID)
	require.Equal(t, "paid", rec.newRole)
	require.Equal(t, []string{"trial"}, rec.previous)
}

func TestRoleChangeDisabledWithoutConfiguredToken(t *testing.T) {
	h, _, _ := newHandlerWithRecorder(t, Config{Enabled: true})
	r := httptest.NewRequest(http.MethodPost, "/v1/role-changes", strings.NewReader(`{"user_id":1,"new_role":"x"}`))
	r.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRoleChangeRejectsBadBody(t *testing.T) {
	h, _, _ := newHandlerWithRecorder(t, Config{Enabled: true, Token: "sekrit"})
	for _, body := range []string{"", "{", `{"user_id":0,"new_role":"x"}`, `{"user_id":1,"new_role":""}`, `{"unknown":1}`} {
		r := httptest.NewRequest(http.MethodPost, "/v1/role-changes", strings.NewReader(body))
		r.Header.Set("Authorization", "Bearer sekrit")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
}

func TestUpsertUserRoundTrip(t *testing.T) {
	h, st, _ := newHandlerWithRecorder(t, Config{Enabled: true, Token: "sekrit"})
	body := `{"id":5,"email":"five@example.com","display_name":"Five","login":"five","role":"paid"}`
	r := httptest.NewRequest(http.MethodPut, "/v1/users", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer sekrit")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)

	u, ok, err := st.UserInfo(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "five@example.com", u.Email)
	require.Equal(t, "Five", u.DisplayName)
}

func TestHealthz(t *testing.T) {
	h, _ := newHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}
