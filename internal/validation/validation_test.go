package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateLocation_EmptyAndWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"spaces", "   "},
		{"tab", "\t"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateLocation(tc.input, 0)
			if !errors.Is(err, ErrLocationEmpty) {
				t.Errorf("error = %v, want ErrLocationEmpty", err)
			}
		})
	}
}

func TestValidateLocation_TooLong(t *testing.T) {
	_, err := ValidateLocation(strings.Repeat("a", 11), 10)
	if !errors.Is(err, ErrLocationTooLong) {
		t.Errorf("error = %v, want ErrLocationTooLong", err)
	}
	_, err = ValidateLocation(strings.Repeat("a", DefaultMaxLen+1), 0)
	if !errors.Is(err, ErrLocationTooLong) {
		t.Errorf("default max: error = %v, want ErrLocationTooLong", err)
	}
}

func TestValidateLocation_InvalidChars(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"slash", "El/m"},
		{"backslash", "El\\m"},
		{"question", "Elm?"},
		{"hash", "Elm#1"},
		{"control", "El\x00m"},
		{"percent", "El%m"},
		{"pipe", "Elm|plume"},
		{"underscore", "Elm_plume"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateLocation(tc.input, 0)
			if !errors.Is(err, ErrLocationInvalidChars) {
				t.Errorf("error = %v, want ErrLocationInvalidChars", err)
			}
		})
	}
}

func TestValidateLocation_Valid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "Elm", "Elm"},
		{"with space", "Les Diablerets", "Les Diablerets"},
		{"period", "St. Moritz", "St. Moritz"},
		{"hyphen", "Saas-Fee", "Saas-Fee"},
		{"apostrophe", "Val d'Isère", "Val d'Isère"},
		{"parentheses", "Elm (GL)", "Elm (GL)"},
		{"trimmed", "  Braunwald  ", "Braunwald"},
		{"collapsed", "Les   Diablerets", "Les Diablerets"},
		{"unicode", "Zürich", "Zürich"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateLocation(tc.input, 0)
			if err != nil {
				t.Fatalf("ValidateLocation() err = %v", err)
			}
			if got != tc.want {
				t.Errorf("cleaned = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidateLocation_LengthBoundary(t *testing.T) {
	s := strings.Repeat("ü", 10)
	if _, err := ValidateLocation(s, 10); err != nil {
		t.Errorf("exact max runes: err = %v", err)
	}
}
