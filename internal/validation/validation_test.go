package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"1234567890123456789012345678901234567890", false}, // no 0x
		{"0x12345678901234567890123456789012345678", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef1234567890123456789012345678901234",
		NormalizeAddress("  0xABCDEF1234567890123456789012345678901234 "))
}

func TestFieldValidators(t *testing.T) {
	tests := []struct {
		name  string
		check func() *ValidationError
		ok    bool
	}{
		{"trade id", ValidTradeID("id", "trade-001"), true},
		{"trade id with space", ValidTradeID("id", "bad id"), false},
		{"empty trade id", ValidTradeID("id", ""), false},
		{"steam id", ValidSteamID("steamId", "76561198000000001"), true},
		{"short steam id", ValidSteamID("steamId", "7656119800"), false},
		{"numeric", Numeric("appId", "730"), true},
		{"non numeric", Numeric("appId", "csgo"), false},
		{"amount", ValidAmount("price", "100"), true},
		{"zero amount", ValidAmount("price", "0"), false},
		{"decimal amount", ValidAmount("price", "1.5"), false},
		{"tx hash", ValidTxHash("tx", "0x"+repeat("ab", 32)), true},
		{"empty tx hash", ValidTxHash("tx", ""), true},
		{"short tx hash", ValidTxHash("tx", "0xabc"), false},
		{"required", Required("x", "  "), false},
		{"optional address", ValidAddress("a", ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check()
			if tt.ok {
				assert.Nil(t, err)
			} else {
				assert.NotNil(t, err)
			}
		})
	}
}

func TestValidate_Collects(t *testing.T) {
	errs := Validate(
		Required("seller", ""),
		ValidAmount("price", "abc"),
		Numeric("appId", "730"),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "seller: is required", errs.Error())
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/balances/:address", AddressParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/balances/nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/balances/0x1234567890123456789012345678901234567890", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
