package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate/internal/pkg/jwtutil"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthJWT("secret"), func(c *gin.Context) {
		id, ok := UserID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": id})
	})
	return r
}

func TestAuthJWT(t *testing.T) {
	token, err := jwtutil.GenerateToken("secret", time.Hour, 9, "ada")
	require.NoError(t, err)

	cases := map[string]struct {
		header string
		want   int
	}{
		"valid token":    {"Bearer " + token, http.StatusOK},
		"missing header": {"", http.StatusUnauthorized},
		"wrong scheme":   {"Basic " + token, http.StatusUnauthorized},
		"bad token":      {"Bearer nope", http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			newRouter().ServeHTTP(rec, req)

			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusOK {
				assert.JSONEq(t, `{"user_id":9}`, rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"code":40100`)
			}
		})
	}
}
