package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/serverlessresearch/srkstore/pkg/gateway"
	"github.com/serverlessresearch/srkstore/pkg/localobjstore"
	"github.com/serverlessresearch/srkstore/pkg/objects"
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/serverlessresearch/srkstore/pkg/repositories"
	"github.com/serverlessresearch/srkstore/pkg/srk"
	"github.com/serverlessresearch/srkstore/pkg/tenant"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("gateway-test-secret")

// countingStore records whether the store was consulted at all.
type countingStore struct {
	objstore.BlobStore
	calls int
}

func (s *countingStore) GetContainerMetadata(ctx context.Context, name string) (map[string]string, error) {
	s.calls++
	return s.BlobStore.GetContainerMetadata(ctx, name)
}

func (s *countingStore) CreateContainer(ctx context.Context, name string, metadata map[string]string) error {
	s.calls++
	return s.BlobStore.CreateContainer(ctx, name, metadata)
}

type fixture struct {
	handler http.Handler
	store   *countingStore
	hook    *test.Hook
}

func newFixture(t *testing.T) *fixture {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	local, err := localobjstore.NewConfig(logger, t.TempDir())
	require.NoError(t, err)
	store := &countingStore{BlobStore: local}

	authz := tenant.NewAuthorizer(logger, store)
	repos := repositories.NewManager(logger, store, authz)
	objs := objects.NewManager(logger, store, authz, objects.Config{
		SpillDir:        t.TempDir(),
		MemoryThreshold: 1024,
		MaxUploadBytes:  1 << 20,
	})
	auth, err := gateway.NewAuthenticator(logger, gateway.AuthConfig{Mode: gateway.AuthModeHMAC, Secret: secret})
	require.NoError(t, err)

	srv := gateway.NewServer(logger, gateway.Config{}, repos, objs, auth)
	return &fixture{handler: srv.Handler(), store: store, hook: hook}
}

func token(t *testing.T, tenantID string, roles ...string) string {
	claims := jwt.MapClaims{
		"sub":       "someone@" + tenantID,
		"tenant_id": tenantID,
		"groups":    roles,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, tok string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, body)
	if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func (f *fixture) createRepo(t *testing.T, tok, name string) *httptest.ResponseRecorder {
	return f.do(t, http.MethodPost, "/v1/repositories", tok, strings.NewReader(`{"name":"`+name+`"}`), "application/json")
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("comment", "ignored"))
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func envelope(t *testing.T, w *httptest.ResponseRecorder) ([]string, int) {
	var env struct {
		Response   []string `json:"response"`
		StatusCode int      `json:"statuscode"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Response, env.StatusCode
}

func TestUnauthenticatedRequestsNeverReachStore(t *testing.T) {
	f := newFixture(t)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": "t1"}).SignedString([]byte("other"))
	require.NoError(t, err)

	for _, tok := range []string{"", "not-a-jwt", bad} {
		w := f.do(t, http.MethodGet, "/v1/repositories/repo1", tok, nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		msgs, code := envelope(t, w)
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Equal(t, []string{srk.ErrUnauthorized.Error()}, msgs)
	}
	assert.Equal(t, 0, f.store.calls)
}

func TestTokenWithoutTenantIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"groups": []string{srk.RoleTenantAdmin}}).SignedString(secret)
	require.NoError(t, err)

	w := f.createRepo(t, tok, "repo1")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, f.store.calls)
}

func TestRoleRules(t *testing.T) {
	f := newFixture(t)
	admin := token(t, "t1", srk.RoleTenantAdmin)
	user := token(t, "t1", srk.RoleTenantUser)
	nobody := token(t, "t1", "viewer")

	w := f.createRepo(t, user, "repo1")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, f.store.calls)

	require.Equal(t, http.StatusCreated, f.createRepo(t, admin, "repo1").Code)

	w = f.do(t, http.MethodGet, "/v1/repositories/repo1", user, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/repositories/repo1", nobody, nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/repositories/repo1", user, nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/repositories/repo1", admin, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCreateAndGetRepository(t *testing.T) {
	f := newFixture(t)
	admin := token(t, "t1", srk.RoleTenantAdmin)

	w := f.createRepo(t, admin, "repo1")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Body.String())

	w = f.createRepo(t, admin, "repo1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.createRepo(t, admin, "Bad_Name")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/repositories", admin, strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/repositories/repo1", admin, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var repo repositories.Repository
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &repo))
	assert.Equal(t, repositories.Repository{Name: "repo1", TenantID: "t1"}, repo)

	w = f.do(t, http.MethodGet, "/v1/repositories/missing", admin, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, code := envelope(t, w)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCrossTenantAccessDenied(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.createRepo(t, token(t, "t1", srk.RoleTenantAdmin), "repo1").Code)
	f.hook.Reset()

	other := token(t, "t2", srk.RoleTenantUser)
	w := f.do(t, http.MethodGet, "/v1/repositories/repo1", other, nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	msgs, _ := envelope(t, w)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "tenant_id validation failed")
	assert.NotContains(t, msgs[0], "t1", "owner tenant must not leak")

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["tenant_id"] == "t1" && e.Data["jwt_tenant_id"] == "t2" {
			warned = true
		}
	}
	assert.True(t, warned, "mismatch must be logged with both tenant ids")
}

func TestObjectLifecycle(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.createRepo(t, token(t, "t1", srk.RoleTenantAdmin), "repo1").Code)
	user := token(t, "t1", srk.RoleTenantUser)
	data := []byte("line one\nline two\n")

	body, ct := multipartBody(t, "object", "notes.txt", data)
	w := f.do(t, http.MethodPost, "/v1/objects/upload/repo1", user, body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/v1/objects/repo1/notes.txt", user, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var info objects.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "notes.txt", info.ObjectName)
	assert.Equal(t, int64(len(data)), info.ObjectSize)
	assert.Equal(t, "t1", info.TenantID)

	w = f.do(t, http.MethodGet, "/v1/objects/download/repo1/notes.txt", user, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
	assert.Equal(t, "attachment; filename=notes.txt", w.Header().Get("Content-Disposition"))
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))

	w = f.do(t, http.MethodDelete, "/v1/objects/repo1/notes.txt", user, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/objects/repo1/notes.txt", user, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/objects/download/repo1/notes.txt", user, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadKeepsUploadedContentType(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.createRepo(t, token(t, "t1", srk.RoleTenantAdmin), "repo1").Code)
	user := token(t, "t1", srk.RoleTenantUser)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="object"; filename="report.csv"`)
	h.Set("Content-Type", "text/csv")
	pw, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = pw.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := f.do(t, http.MethodPost, "/v1/objects/upload/repo1", user, &body, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/v1/objects/download/repo1/report.csv", user, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, "a,b\n1,2\n", w.Body.String())
}

func TestUploadWithoutObjectField(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.createRepo(t, token(t, "t1", srk.RoleTenantAdmin), "repo1").Code)
	user := token(t, "t1", srk.RoleTenantUser)

	body, ct := multipartBody(t, "file", "notes.txt", []byte("x"))
	w := f.do(t, http.MethodPost, "/v1/objects/upload/repo1", user, body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	msgs, _ := envelope(t, w)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "unable to get form parameter 'object'")

	w = f.do(t, http.MethodPost, "/v1/objects/upload/repo1", user, strings.NewReader("raw"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadToForeignRepository(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.createRepo(t, token(t, "t1", srk.RoleTenantAdmin), "repo1").Code)

	body, ct := multipartBody(t, "object", "a.txt", []byte("x"))
	w := f.do(t, http.MethodPost, "/v1/objects/upload/repo1", token(t, "t2", srk.RoleTenantAdmin), body, ct)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/v1/objects/repo1/a.txt", token(t, "t1", srk.RoleTenantUser), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code, "denied upload must not create the object")
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.createRepo(t, token(t, "t1", srk.RoleTenantAdmin), "repo1").Code)

	body, ct := multipartBody(t, "object", "big.bin", bytes.Repeat([]byte("z"), (1<<20)+10))
	w := f.do(t, http.MethodPost, "/v1/objects/upload/repo1", token(t, "t1", srk.RoleTenantUser), body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.do(t, http.MethodGet, "/v1/repositories/repo1", "", nil, "")
	w = f.do(t, http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	out, err := ioutil.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(out), "srkstore_http_requests_total{")
	assert.Contains(t, string(out), `response_code="401"`)

	w = f.do(t, http.MethodGet, "/nowhere", "", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
