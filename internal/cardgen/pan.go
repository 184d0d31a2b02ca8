package cardgen

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// PANLength is the only card number length the ledger accepts.
const PANLength = 16

// GeneratePAN returns a 16 digit Luhn-valid card number starting with bin.
// A non-empty sequence overrides the trailing account digits (before the check digit).
func GeneratePAN(bin, sequence string) (string, error) {
	if err := ValidateBIN(bin); err != nil {
		return "", err
	}

	fill := PANLength - 1 - len(bin)
	seq := strings.TrimSpace(sequence)
	if seq != "" {
		if !IsDigits(seq) {
			return "", fmt.Errorf("sequence must be numeric")
		}
		if len(seq) > fill {
			return "", fmt.Errorf("sequence length %d exceeds %d", len(seq), fill)
		}
	}

	digitsPart, err := randomDigits(fill)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	b := []byte(digitsPart)
	if seq != "" {
		copy(b[fill-len(seq):], seq)
	}

	body := bin + string(b)
	return body + luhnCheckDigit(body), nil
}

// randomDigits uses rejection sampling so every digit is equally likely.
func randomDigits(count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250 // 256 - (256 % 10)
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 64)
	for sb.Len() < count {
		n, err := rand.Read(buf)
		if err != nil {
			return "", err
		}
		for i := 0; i < n && sb.Len() < count; i++ {
			if buf[i] < threshold {
				sb.WriteByte('0' + (buf[i] % 10))
			}
		}
	}
	return sb.String(), nil
}

func luhnCheckDigit(body string) string {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	cd := (10 - (sum % 10)) % 10
	return string('0' + byte(cd))
}

// ValidateCardNumber checks that number is exactly 16 digits.
// Luhn is not enforced: cards created by administrators may carry any 16 digit number.
func ValidateCardNumber(number string) error {
	if len(number) != PANLength || !IsDigits(number) {
		return fmt.Errorf("card number must be exactly %d digits", PANLength)
	}
	return nil
}

// ValidLuhn reports whether the last digit of pan is its Luhn check digit.
func ValidLuhn(pan string) bool {
	if len(pan) < 2 || !IsDigits(pan) {
		return false
	}
	return luhnCheckDigit(pan[:len(pan)-1])[0] == pan[len(pan)-1]
}

func ValidateBIN(bin string) error {
	if bin == "" {
		return fmt.Errorf("bin is required")
	}
	if !IsDigits(bin) {
		return fmt.Errorf("bin must contain digits only")
	}
	switch len(bin) {
	case 6, 8, 9:
		return nil
	default:
		return fmt.Errorf("bin must be 6, 8, or 9 digits")
	}
}

func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MaskPAN hides everything but the last four digits: "************1234".
// Values that are not 16 digits are masked entirely.
func MaskPAN(pan string) string {
	cleaned := NormalizePAN(pan)
	if len(cleaned) != PANLength {
		return strings.Repeat("*", len(cleaned))
	}
	return strings.Repeat("*", PANLength-4) + LastN(cleaned, 4)
}

// NormalizePAN strips spaces, tabs and dashes.
func NormalizePAN(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, s)
}

// GenerateUniquePAN generates PANs until exists reports one as unused.
func GenerateUniquePAN(bin string, maxRetries int, exists func(string) (bool, error)) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	for i := 0; i <= maxRetries; i++ {
		pan, err := GeneratePAN(bin, "")
		if err != nil {
			return "", err
		}
		if exists == nil {
			return pan, nil
		}
		used, err := exists(pan)
		if err != nil {
			return "", fmt.Errorf("exists callback: %w", err)
		}
		if !used {
			return pan, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique PAN after %d retries", maxRetries)
}
