// Package units converts the pilot's metre distances for display.
package units

import (
	"slices"
	"strings"
)

const (
	M  = "m"
	CM = "cm"
	MM = "mm"
	FT = "ft"
	IN = "in"
)

// ValidUnits is in display order.
var ValidUnits = []string{M, CM, MM, FT, IN}

var metresPer = map[string]float64{
	M:  1,
	CM: 0.01,
	MM: 0.001,
	FT: 0.3048,
	IN: 0.0254,
}

func IsValid(unit string) bool { return slices.Contains(ValidUnits, unit) }

// GetValidUnitsString is for flag help and error messages.
func GetValidUnitsString() string { return strings.Join(ValidUnits, ", ") }

// ConvertDistance expresses metres in unit. Unknown units leave the value in
// metres.
func ConvertDistance(meters float64, unit string) float64 {
	if f, ok := metresPer[unit]; ok {
		return meters / f
	}
	return meters
}
