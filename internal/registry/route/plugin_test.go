package route

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMount(t *testing.T) {
	saved := plugins
	t.Cleanup(func() { plugins = saved })

	var order []string
	plugins = []Plugin{
		{Name: "probes", Order: 0, Management: func(r *gin.Engine) error {
			r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
			return nil
		}},
		{Name: "second", Order: 20, API: func(r *gin.Engine, svc *Services) error {
			order = append(order, "second")
			return nil
		}},
		{Name: "first", Order: 10, API: func(r *gin.Engine, svc *Services) error {
			order = append(order, "first")
			r.GET("/v1/first", svc.Auth, func(c *gin.Context) { c.Status(http.StatusNoContent) })
			return nil
		}},
	}
	require.Equal(t, []string{"probes", "first", "second"}, Names())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	svc := &Services{Auth: func(c *gin.Context) { c.Next() }}
	require.NoError(t, MountAPI(router, svc))
	require.Equal(t, []string{"first", "second"}, order)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/first", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Management routes only land where MountManagement is called.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, MountManagement(router))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMountAPI_StopsOnError(t *testing.T) {
	saved := plugins
	t.Cleanup(func() { plugins = saved })

	boom := errors.New("boom")
	plugins = []Plugin{{Name: "broken", API: func(*gin.Engine, *Services) error { return boom }}}
	require.ErrorIs(t, MountAPI(gin.New(), &Services{}), boom)
}
