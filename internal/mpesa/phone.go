package mpesa

import (
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

const defaultRegion = "KE"

// NormalizePhone returns the MSISDN form Daraja expects, 254XXXXXXXXX.
// Inputs like "0712 345 678", "+254712345678" and "712345678" are accepted.
func NormalizePhone(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("phone number is required")
	}
	if strings.HasPrefix(trimmed, "254") {
		trimmed = "+" + trimmed
	}

	number, err := libphonenumber.Parse(trimmed, defaultRegion)
	if err != nil {
		return "", fmt.Errorf("phone number %q: %w", raw, err)
	}
	if !libphonenumber.IsValidNumber(number) {
		return "", fmt.Errorf("phone number %q is not valid", raw)
	}
	if number.GetCountryCode() != 254 {
		return "", fmt.Errorf("phone number %q is not a Kenyan number", raw)
	}
	return strings.TrimPrefix(libphonenumber.Format(number, libphonenumber.E164), "+"), nil
}
