package validate

import (
	"errors"
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	// MinPasswordLength is the shortest password accepted locally.
	MinPasswordLength = 8
	// PhoneDigits is the number of national digits a phone number must carry.
	PhoneDigits = 9
	// OTPDigits is the length of registration and SMS/email verification codes.
	OTPDigits = 6
	// BackupCodeMaxLength caps backup codes before submission.
	BackupCodeMaxLength = 8
)

var (
	ErrEmailRequired     = errors.New("email is required")
	ErrEmailMalformed    = errors.New("email is malformed")
	ErrPasswordTooShort  = errors.New("password must be at least 8 characters")
	ErrFirstNameRequired = errors.New("first name is required")
	ErrLastNameRequired  = errors.New("last name is required")
	ErrPhoneMalformed    = errors.New("phone must have exactly 9 digits")
	ErrCodeLength        = errors.New("code must be exactly 6 digits")
	ErrCodeRequired      = errors.New("code is required")
)

// Email normalizes and checks an email address. Display names ("Bob <b@x.y>")
// are rejected: the field must hold the bare address.
func Email(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrEmailRequired
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", ErrEmailMalformed
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || !strings.Contains(email[at+1:], ".") || strings.HasSuffix(email, ".") {
		return "", ErrEmailMalformed
	}
	return email, nil
}

// Password checks the minimum length in characters, not bytes.
func Password(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// Name trims a registration name and reports whether anything is left.
func Name(name string) (string, bool) {
	name = strings.TrimSpace(name)
	return name, name != ""
}

// Phone strips spaces and dashes, requires exactly PhoneDigits digits and
// returns prefix+digits. An empty input is valid and yields "".
func Phone(phone, prefix string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}

	var b strings.Builder
	b.Grow(len(prefix) + PhoneDigits)
	b.WriteString(prefix)
	digits := 0
	for _, r := range phone {
		switch {
		case r == ' ' || r == '-':
			continue
		case r >= '0' && r <= '9':
			digits++
			b.WriteRune(r)
		default:
			return "", ErrPhoneMalformed
		}
	}
	if digits != PhoneDigits {
		return "", ErrPhoneMalformed
	}
	return b.String(), nil
}

// OTP checks a numeric one-time code of exactly OTPDigits digits.
func OTP(code string) (string, error) {
	code = strings.TrimSpace(code)
	if len(code) != OTPDigits {
		return "", ErrCodeLength
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return "", ErrCodeLength
		}
	}
	return code, nil
}

// BackupCode uppercases a backup code and caps it at BackupCodeMaxLength
// characters. Whether the code was already consumed is decided by the server.
func BackupCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", ErrCodeRequired
	}
	if utf8.RuneCountInString(code) > BackupCodeMaxLength {
		runes := []rune(code)
		code = string(runes[:BackupCodeMaxLength])
	}
	return code, nil
}
