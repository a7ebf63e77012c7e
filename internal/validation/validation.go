// Package validation checks request fields at the HTTP boundary.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/steamtrader/internal/amount"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var (
	// trade ids are creator supplied; keep them URL and log safe
	tradeIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
	// SteamID64
	steamIDRegex = regexp.MustCompile(`^7656119[0-9]{10}$`)
	digitsRegex  = regexp.MustCompile(`^[0-9]{1,20}$`)
	txHashRegex  = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// NormalizeAddress lower-cases and trims an address for storage and comparison.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Abort writes the standard validation_error response.
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks an optional Ethereum address field.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidTradeID checks a creator-supplied trade id.
func ValidTradeID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !tradeIDRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of [A-Za-z0-9_.:-]"}
		}
		return nil
	}
}

// ValidSteamID checks a SteamID64 identity string.
func ValidSteamID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !steamIDRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a 17-digit SteamID64"}
		}
		return nil
	}
}

// Numeric checks an unsigned decimal identifier (app id, asset id, ...).
func Numeric(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !digitsRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a decimal number"}
		}
		return nil
	}
}

// ValidAmount checks a positive base-unit integer amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if _, ok := amount.ParsePositive(value); !ok {
			return &ValidationError{Field: field, Message: "must be a positive integer amount in base units"}
		}
		return nil
	}
}

// ValidTxHash checks an optional 32-byte transaction hash.
func ValidTxHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !txHashRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a 0x-prefixed 32-byte hash"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects malformed :address URL parameters.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
