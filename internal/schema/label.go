package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultLabelColor is applied when a label is created without a color.
const DefaultLabelColor = "#6B7280"

// MaxLabelNameLength is the maximum allowed length for a label name.
const MaxLabelNameLength = 100

var (
	// ErrEmptyLabelName is returned when a label name is empty after trimming.
	ErrEmptyLabelName = errors.New("label name is required")

	// ErrInvalidColor is returned for colors that are not #RGB or #RRGGBB.
	ErrInvalidColor = errors.New("invalid color")
)

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Label is a named, colored tag that tasks reference by id.
type Label struct {
	ID    string `json:"id" yaml:"id" toml:"id"`
	Name  string `json:"name" yaml:"name" toml:"name"`
	Color string `json:"color" yaml:"color" toml:"color"`
}

// NewLabel builds a label with a fresh id. Name and color are normalized
// but not validated.
func NewLabel(name, color string) Label {
	name, color = NormalizeLabel(name, color)
	return Label{ID: NewID(), Name: name, Color: color}
}

// NormalizeLabel trims name and color, upper-cases the color and applies
// DefaultLabelColor when color is empty.
func NormalizeLabel(name, color string) (string, string) {
	name = strings.TrimSpace(name)
	color = strings.ToUpper(strings.TrimSpace(color))
	if color == "" {
		color = DefaultLabelColor
	}
	return name, color
}

// ValidateLabel checks name and color after normalization.
func ValidateLabel(name, color string) error {
	if name == "" {
		return ErrEmptyLabelName
	}
	if n := utf8.RuneCountInString(name); n > MaxLabelNameLength {
		return fmt.Errorf("label name must be %d characters or less (got %d)", MaxLabelNameLength, n)
	}
	if !hexColor.MatchString(color) {
		return fmt.Errorf("%w %q: want #RGB or #RRGGBB", ErrInvalidColor, color)
	}
	return nil
}

// Validate checks if the Label has valid field values.
func (l *Label) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	return ValidateLabel(l.Name, l.Color)
}
