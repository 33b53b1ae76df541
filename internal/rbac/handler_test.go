package rbac

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/labstock/labstock/internal/shared"
)

type stubDirectory struct {
	roles     []Role
	caps      map[int64][]string
	setRole   int64
	setCaps   []shared.Capability
	assigned  [][2]int64
	removeErr error
	created   []string
}

func (d *stubDirectory) EffectiveCapabilities(ctx context.Context, userID int64) ([]string, error) {
	return d.caps[userID], nil
}

func (d *stubDirectory) ListRoles(ctx context.Context) ([]Role, error) {
	return d.roles, nil
}

func (d *stubDirectory) CreateRole(ctx context.Context, name, description string) (Role, error) {
	d.created = append(d.created, name)
	return Role{ID: int64(len(d.created)), Name: name, Description: description}, nil
}

func (d *stubDirectory) SetRoleGrants(ctx context.Context, roleID int64, caps []shared.Capability) error {
	d.setRole = roleID
	d.setCaps = caps
	return nil
}

func (d *stubDirectory) AssignRole(ctx context.Context, userID, roleID int64) error {
	d.assigned = append(d.assigned, [2]int64{userID, roleID})
	return nil
}

func (d *stubDirectory) RemoveRole(ctx context.Context, userID, roleID int64) error {
	return d.removeErr
}

type allowOracle struct {
	allow bool
}

func (o allowOracle) HasCapability(ctx context.Context, actor shared.Actor, cap shared.Capability) (bool, error) {
	return o.allow, nil
}

func adminRouter(directory Directory, allow bool) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, directory, allowOracle{allow: allow})
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func adminRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	actor := shared.Actor{ID: 99, HomeLocation: 1}
	return req.WithContext(shared.ContextWithActor(req.Context(), actor))
}

func TestAdminRoutesRequireManageCapability(t *testing.T) {
	router := adminRouter(&stubDirectory{}, false)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/roles", ""))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestListRoles(t *testing.T) {
	directory := &stubDirectory{roles: []Role{{ID: 1, Name: "lab-manager"}}}
	router := adminRouter(directory, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/roles", ""))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "lab-manager")
}

func TestCreateRoleValidatesName(t *testing.T) {
	directory := &stubDirectory{}
	router := adminRouter(directory, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/roles", `{"description":"no name"}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, directory.created)
}

func TestSetGrantsRejectsUnknownCapability(t *testing.T) {
	directory := &stubDirectory{}
	router := adminRouter(directory, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPut, "/admin/roles/3/grants", `{"capabilities":["finance.ledger.post"]}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Zero(t, directory.setRole)
}

func TestSetGrantsStoresKnownCapabilities(t *testing.T) {
	directory := &stubDirectory{}
	router := adminRouter(directory, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPut, "/admin/roles/3/grants", `{"capabilities":["testing.request.create","testing.stock.view"]}`))

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.EqualValues(t, 3, directory.setRole)
	require.Equal(t, []shared.Capability{shared.CapRequestCreate, shared.CapStockView}, directory.setCaps)
}

func TestAssignRole(t *testing.T) {
	directory := &stubDirectory{}
	router := adminRouter(directory, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users/7/roles", `{"role_id":3}`))

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, [][2]int64{{7, 3}}, directory.assigned)
}

func TestRemoveRoleNotFound(t *testing.T) {
	directory := &stubDirectory{removeErr: ErrNotFound}
	router := adminRouter(directory, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodDelete, "/admin/users/7/roles/3", ""))

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEffectiveCapabilitiesEndpoint(t *testing.T) {
	directory := &stubDirectory{caps: map[int64][]string{7: {"testing.request.view"}}}
	router := adminRouter(directory, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/users/7/capabilities", ""))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "testing.request.view")
}
