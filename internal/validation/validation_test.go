package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidEthAddress(tc.addr), "IsValidEthAddress(%q)", tc.addr)
	}
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1234567890123456789012345678901234567890  ", "0x1234567890123456789012345678901234567890"},
		{"1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, SanitizeAddress(tc.input))
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("owner", "0xabc"),
		ValidAddress("address", "0x1234567890123456789012345678901234567890"),
		ValidWei("unitPrice", "1000"),
		Positive("durationSeconds", 86400),
	)
	assert.Empty(t, errs)

	errs = Validate(
		Required("owner", ""),
		ValidAddress("address", "invalid"),
		ValidWei("unitPrice", "0"),
		Positive("durationSeconds", 0),
	)
	require.Len(t, errs, 4)
	assert.Equal(t, "owner: is required", errs.Error())
}

func TestValidWei(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1", true},
		{"10000000000000000000", true},
		{"", true}, // Required handles emptiness

		{"0", false},
		{"1.5", false},
		{"-1", false},
		{"abc", false},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639936", false}, // 2^256
	}

	for _, tc := range tests {
		err := ValidWei("amount", tc.value)()
		assert.Equal(t, tc.valid, err == nil, "ValidWei(%q)", tc.value)
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/parties/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/parties/0x1234567890123456789012345678901234567890", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/parties/not-an-address", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}
