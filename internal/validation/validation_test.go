package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"user_1", true},
		{"u-42.card:7", true},
		{"ops@issuer", true},
		{"550e8400-e29b-41d4-a716-446655440000", true},

		{"", false},
		{"user 1", false},
		{"_leading", false},
		{"user\x00", false},
		{strings.Repeat("a", MaxIdentifierLength+1), false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidIdentifier(tc.id), "IsValidIdentifier(%q)", tc.id)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "Electronics Store", SanitizeString("  Electronics Store  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("user_id", "user_1"),
		Identifier("user_id", "user_1"),
		PositiveAmount("amount", decimal.NewFromInt(150)),
		InRange("latitude", -23.55, -90, 90),
	)
	assert.Empty(t, errs)

	errs = Validate(
		Required("user_id", "  "),
		PositiveAmount("amount", decimal.Zero),
		InRange("longitude", 181, -180, 180),
		MaxLength("merchant_name", strings.Repeat("x", 300), MaxStringLength),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "user_id is required", errs.Error())
	assert.Equal(t, "longitude", errs[2].Field)
	assert.Equal(t, "must be within [-180, 180]", errs[2].Message)
}

func TestValidationErrors_EmptyMessage(t *testing.T) {
	assert.Equal(t, "validation failed", ValidationErrors(nil).Error())
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"merchant":"`+strings.Repeat("x", 64)+`"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUserParamMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/users/:userId", UserParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/user_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_user_id")
}
