package split

import (
	"errors"
	"regexp"
	"strings"
)

// Stable error codes returned to API callers.
const (
	CodeInvalidSplitAddress   = "invalid_split_address"
	CodeInvalidMerchantWallet = "invalid_merchant_wallet"
	CodeSplitRequired         = "split_required"
	CodeInvalidBinding        = "invalid_binding"
	CodeInvalidReceipt        = "invalid_receipt"
)

var (
	addressPattern = regexp.MustCompile(`^0x[a-f0-9]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[a-f0-9]{64}$`)
)

// ValidationError is a caller error carrying a stable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func validationErrorf(code, msg string) error {
	return &ValidationError{Code: code, Message: msg}
}

// IsValidationError reports whether err is a ValidationError and returns it.
func IsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

// NormalizeAddress trims and lowercases an address and reports whether it is a
// well-formed 0x-prefixed 20-byte hex address.
func NormalizeAddress(raw string) (string, bool) {
	addr := strings.ToLower(strings.TrimSpace(raw))
	return addr, addressPattern.MatchString(addr)
}

// NormalizeTxHashes lowercases hashes, drops malformed ones and removes duplicates, keeping order.
func NormalizeTxHashes(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, h := range raw {
		h = strings.ToLower(strings.TrimSpace(h))
		if !txHashPattern.MatchString(h) || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

func normalizeSplitAndMerchant(splitAddress, merchantWallet string) (string, string, error) {
	split, ok := NormalizeAddress(splitAddress)
	if !ok {
		return "", "", validationErrorf(CodeInvalidSplitAddress, "split address must match 0x followed by 40 hex characters")
	}
	merchant, ok := NormalizeAddress(merchantWallet)
	if !ok {
		return "", "", validationErrorf(CodeInvalidMerchantWallet, "merchant wallet must match 0x followed by 40 hex characters")
	}
	return split, merchant, nil
}

// abbrev shortens an address for log lines.
func abbrev(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
