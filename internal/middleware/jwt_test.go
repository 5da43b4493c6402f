package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/markkb/internal/pkg/jwt"
)

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := []byte("secret")
	token, err := jwt.GenerateToken("ops", "", secret, time.Hour)
	require.NoError(t, err)

	for _, tc := range []struct {
		header  string
		aborted bool
	}{
		{"", true},
		{"Token " + token, true},
		{"Bearer garbage", true},
		{"Bearer " + token, false},
	} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/syntheses", nil)
		if tc.header != "" {
			c.Request.Header.Set("Authorization", tc.header)
		}
		JWTAuth(secret)(c)
		require.Equal(t, tc.aborted, c.IsAborted(), tc.header)
		if !tc.aborted {
			require.Equal(t, "ops", c.GetString(ContextOperatorKey))
		}
	}
}

func TestJWTAuthDisabledWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/syntheses", nil)
	JWTAuth(nil)(c)
	require.False(t, c.IsAborted())
}
