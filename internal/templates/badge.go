package templates

import (
	"fmt"
	"strings"

	"github.com/l0p7/carbonbadge/internal/carbon"
)

// Theme selects the badge palette.
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

// ParseTheme normalizes raw, returning fallback for empty or unknown input.
func ParseTheme(raw string, fallback Theme) Theme {
	switch Theme(strings.ToLower(strings.TrimSpace(raw))) {
	case ThemeDark:
		return ThemeDark
	case ThemeLight:
		return ThemeLight
	}
	if fallback == ThemeLight {
		return ThemeLight
	}
	return ThemeDark
}

// Palette colours the badge frame and text.
type Palette struct {
	Background string
	Border     string
	Text       string
	Muted      string
	Accent     string
}

// GradeColors fill the score tile.
type GradeColors struct {
	Fill string
	Text string
}

var palettes = map[Theme]Palette{
	ThemeDark: {
		Background: "#18181B",
		Border:     "#27272A",
		Text:       "#FFFFFF",
		Muted:      "#A1A1AA",
		Accent:     "#05F29B",
	},
	ThemeLight: {
		Background: "#FFFFFF",
		Border:     "#E4E4E7",
		Text:       "#18181B",
		Muted:      "#52525B",
		Accent:     "#04C27C",
	},
}

var grades = map[carbon.Score]GradeColors{
	carbon.ScoreAPlus: {Fill: "#059669", Text: "#FFFFFF"},
	carbon.ScoreA:     {Fill: "#10B981", Text: "#FFFFFF"},
	carbon.ScoreB:     {Fill: "#34D399", Text: "#064E3B"},
	carbon.ScoreC:     {Fill: "#FBBF24", Text: "#78350F"},
	carbon.ScoreD:     {Fill: "#F97316", Text: "#FFFFFF"},
	carbon.ScoreF:     {Fill: "#EF4444", Text: "#FFFFFF"},
}

var unknownGrade = GradeColors{Fill: "#3F3F46", Text: "#A1A1AA"}

// CO2Display formats grams for the badge: "<0.01" below a hundredth, two
// decimals otherwise.
func CO2Display(grams float64) string {
	if grams < 0.01 {
		return "<0.01"
	}
	return fmt.Sprintf("%.2f", grams)
}

// BadgeView is the data handed to badge.svg.tmpl.
type BadgeView struct {
	Result      carbon.Result
	Theme       Theme
	Palette     Palette
	Grade       GradeColors
	CO2         string
	CleanerThan string
}

func newBadgeView(result carbon.Result, theme Theme) BadgeView {
	theme = ParseTheme(string(theme), ThemeDark)
	grade, ok := grades[result.Score]
	if !ok {
		grade = unknownGrade
	}
	return BadgeView{
		Result:      result,
		Theme:       theme,
		Palette:     palettes[theme],
		Grade:       grade,
		CO2:         CO2Display(result.CO2Grams),
		CleanerThan: fmt.Sprintf("%.0f", result.CleanerThan),
	}
}

// ErrorView is the data handed to error.svg.tmpl.
type ErrorView struct {
	Message string
	Theme   Theme
	Palette Palette
	Grade   GradeColors
}

func newErrorView(message string, theme Theme) ErrorView {
	theme = ParseTheme(string(theme), ThemeDark)
	if strings.TrimSpace(message) == "" {
		message = "Unable to calculate"
	}
	return ErrorView{
		Message: message,
		Theme:   theme,
		Palette: palettes[theme],
		Grade:   unknownGrade,
	}
}
