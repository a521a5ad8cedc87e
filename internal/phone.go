package internal

import (
	"regexp"
	"strings"
)

const countryCode = "254"

var msisdn = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhoneNumber turns the local and international spellings of a
// Kenyan mobile number into the 12 digit 2547XXXXXXXX / 2541XXXXXXXX form.
func NormalizePhoneNumber(phone string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
	p = strings.TrimPrefix(p, "+")

	switch {
	case strings.HasPrefix(p, countryCode):
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = countryCode + p[1:]
	case len(p) == 9:
		p = countryCode + p
	}

	if !msisdn.MatchString(p) {
		return "", ErrInvalidPhoneNumber
	}
	return p, nil
}
