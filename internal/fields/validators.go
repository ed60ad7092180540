package fields

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Validator checks one extracted value and returns its storage form.
type Validator interface {
	Validate(v Value) (Value, error)
}

var (
	nameRe      = regexp.MustCompile(`^[A-Za-z\s'-]+$`)
	emailRe     = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
	e164Re      = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	phoneJunkRe = regexp.MustCompile(`[\s().-]`)
)

func validatorFor(typ, countryPrefix string) (Validator, error) {
	switch typ {
	case "name":
		return NameValidator{MinLength: 1, MaxLength: 50}, nil
	case "email":
		return EmailValidator{MaxLength: 100}, nil
	case "phone":
		return PhoneValidator{CountryPrefix: countryPrefix}, nil
	case "address":
		return AddressValidator{}, nil
	case "date":
		return DateOfBirthValidator{MinAge: 18, MaxAge: 120}, nil
	case "token":
		return TokenValidator{MaxLength: 2048}, nil
	case "string", "":
		return StringValidator{MaxLength: 500}, nil
	default:
		return nil, fmt.Errorf("unknown validator type %q", typ)
	}
}

// NameValidator enforces the human-name contract: letters, spaces,
// apostrophes and hyphens.
type NameValidator struct {
	MinLength int
	MaxLength int
}

func (nv NameValidator) Validate(v Value) (Value, error) {
	if v.Kind != KindString {
		return v, errors.New("must be a string")
	}
	s := strings.TrimSpace(v.Str)
	if n := utf8.RuneCountInString(s); n < nv.MinLength || n > nv.MaxLength {
		return v, fmt.Errorf("must be %d-%d characters", nv.MinLength, nv.MaxLength)
	}
	if !nameRe.MatchString(s) {
		return v, errors.New("may only contain letters, spaces, apostrophes and hyphens")
	}
	return Value{Kind: KindString, Str: s}, nil
}

// EmailValidator lowercases and strips HTML tags before checking format;
// the normalized form is what gets stored and deduplicated on.
type EmailValidator struct {
	MaxLength int
}

func (ev EmailValidator) Validate(v Value) (Value, error) {
	if v.Kind != KindString {
		return v, errors.New("must be a string")
	}
	s := htmlTagRe.ReplaceAllString(v.Str, "")
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return v, errors.New("is required")
	}
	if utf8.RuneCountInString(s) > ev.MaxLength {
		return v, fmt.Errorf("must be at most %d characters", ev.MaxLength)
	}
	if !emailRe.MatchString(s) {
		return v, errors.New("must be a valid email address")
	}
	return Value{Kind: KindString, Str: s}, nil
}

// PhoneValidator normalizes to E.164, assuming the configured country prefix
// when the number carries none.
type PhoneValidator struct {
	CountryPrefix string
}

func (pv PhoneValidator) Validate(v Value) (Value, error) {
	if v.Kind != KindString {
		return v, errors.New("must be a string")
	}
	s := phoneJunkRe.ReplaceAllString(v.Str, "")
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	if !strings.HasPrefix(s, "+") {
		s = pv.CountryPrefix + s
	}
	if !e164Re.MatchString(s) {
		return v, errors.New("must be a valid phone number")
	}
	return Value{Kind: KindString, Str: s}, nil
}

// Address is the structured optional address block.
type Address struct {
	Street     string `json:"street,omitempty"`
	Street2    string `json:"street2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// AddressValidator normalizes subfield spellings and enforces the
// country-when-any rule.
type AddressValidator struct{}

func (AddressValidator) Validate(v Value) (Value, error) {
	if v.Kind != KindObject {
		return v, errors.New("must be an object")
	}

	str := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := v.Object[k].(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
		return ""
	}

	addr := Address{
		Street:     str("street", "street1", "line1"),
		Street2:    str("street2", "line2"),
		City:       str("city"),
		State:      str("state", "province", "region"),
		PostalCode: str("postalCode", "postal_code", "zip", "zipCode"),
		Country:    str("country"),
	}

	anySet := addr.Street != "" || addr.Street2 != "" || addr.City != "" ||
		addr.State != "" || addr.PostalCode != "" || addr.Country != ""
	if !anySet {
		return Value{Kind: KindAbsent}, nil
	}
	if addr.Country == "" {
		return v, errors.New("country is required when an address is provided")
	}

	canonical := map[string]interface{}{}
	put := func(k, val string) {
		if val != "" {
			canonical[k] = val
		}
	}
	put("street", addr.Street)
	put("street2", addr.Street2)
	put("city", addr.City)
	put("state", addr.State)
	put("postalCode", addr.PostalCode)
	put("country", addr.Country)

	return Value{Kind: KindObject, Object: canonical}, nil
}

// DateOfBirthValidator parses YYYY-MM-DD and bounds the implied age.
type DateOfBirthValidator struct {
	MinAge int
	MaxAge int
}

func (dv DateOfBirthValidator) Validate(v Value) (Value, error) {
	if v.Kind != KindString {
		return v, errors.New("must be a string")
	}
	s := strings.TrimSpace(v.Str)
	dob, err := time.Parse("2006-01-02", s)
	if err != nil {
		return v, errors.New("must be a valid date in YYYY-MM-DD format")
	}

	years := yearsBetween(dob, time.Now())
	if years < dv.MinAge {
		return v, fmt.Errorf("must be at least %d years old", dv.MinAge)
	}
	if years > dv.MaxAge {
		return v, errors.New("must be a valid date of birth")
	}
	return Value{Kind: KindString, Str: s}, nil
}

// yearsBetween counts whole calendar years from dob to now.
func yearsBetween(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if dob.AddDate(years, 0, 0).After(now) {
		years--
	}
	return years
}

// TokenValidator bounds the CAPTCHA token shape without inspecting it.
type TokenValidator struct {
	MaxLength int
}

func (tv TokenValidator) Validate(v Value) (Value, error) {
	if v.Kind != KindString {
		return v, errors.New("must be a string")
	}
	s := strings.TrimSpace(v.Str)
	if s == "" {
		return v, errors.New("is required")
	}
	if len(s) > tv.MaxLength {
		return v, errors.New("is not a valid token")
	}
	return Value{Kind: KindString, Str: s}, nil
}

// StringValidator is the generic trim-and-bound validator for
// operator-defined extra fields.
type StringValidator struct {
	MaxLength int
}

func (sv StringValidator) Validate(v Value) (Value, error) {
	if v.Kind != KindString {
		return v, errors.New("must be a string")
	}
	s := strings.TrimSpace(v.Str)
	if utf8.RuneCountInString(s) > sv.MaxLength {
		return v, fmt.Errorf("must be at most %d characters", sv.MaxLength)
	}
	return Value{Kind: KindString, Str: s}, nil
}
