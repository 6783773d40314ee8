package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
	"github.com/noah-isme/krs-api/pkg/logger"
)

type stubValidator struct {
	claims *models.JWTClaims
	err    error
	token  string
}

func (s *stubValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	s.token = token
	return s.claims, s.err
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/resource/:id", append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": c.GetString(logger.ActorKey)})
	})...)
	return r
}

func TestJWTRequiresBearer(t *testing.T) {
	r := newRouter(JWT(&stubValidator{}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource/1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/resource/1", nil)
	req.Header.Set("Authorization", "Token abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTSetsClaims(t *testing.T) {
	validator := &stubValidator{claims: &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent}}
	r := newRouter(JWT(validator))

	req := httptest.NewRequest(http.MethodGet, "/resource/1", nil)
	req.Header.Set("Authorization", "Bearer abc.def")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc.def", validator.token)
	assert.JSONEq(t, `{"actor":"stu-1"}`, w.Body.String())
}

func TestJWTInvalidToken(t *testing.T) {
	r := newRouter(JWT(&stubValidator{err: appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")}))
	req := httptest.NewRequest(http.MethodGet, "/resource/1", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func withClaims(claims *models.JWTClaims) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims != nil {
			c.Set(ContextUserKey, claims)
		}
		c.Next()
	}
}

func TestRBAC(t *testing.T) {
	cases := []struct {
		name   string
		claims *models.JWTClaims
		path   string
		status int
	}{
		{"missing claims", nil, "/resource/1", http.StatusUnauthorized},
		{"primary role allowed", &models.JWTClaims{UserID: "a", Role: models.RoleAdvisor}, "/resource/1", http.StatusOK},
		{"secondary role allowed", &models.JWTClaims{UserID: "a", Role: models.RoleStudent, Roles: []models.UserRole{models.RoleInstructor}}, "/resource/1", http.StatusOK},
		{"self allowed", &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent}, "/resource/stu-1", http.StatusOK},
		{"other student forbidden", &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent}, "/resource/stu-2", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(withClaims(tc.claims), RBAC(Self, string(models.RoleAdvisor), string(models.RoleInstructor)))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

type recordingObserver struct {
	method, path string
	status       int
}

func (r *recordingObserver) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	r.method, r.path, r.status = method, path, status
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	observer := &recordingObserver{}
	r := newRouter(Metrics(observer))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource/42", nil))

	assert.Equal(t, http.MethodGet, observer.method)
	assert.Equal(t, "/resource/:id", observer.path)
	assert.Equal(t, http.StatusOK, observer.status)
}

func TestResponseMeta(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(WithResponseMeta())
	var meta map[string]interface{}
	r.GET("/", func(c *gin.Context) {
		SetReplayed(c, true)
		meta = ExtractMeta(c)
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotNil(t, meta)
	assert.Equal(t, true, meta[replayedKey])
	assert.Contains(t, meta, "processing_time_ms")
}
