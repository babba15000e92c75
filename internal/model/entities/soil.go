package entities

import "fmt"

type SoilType string

const (
	SoilBlack    SoilType = "Black Soil"
	SoilClay     SoilType = "Clay"
	SoilSandy    SoilType = "Sandy"
	SoilRed      SoilType = "Red"
	SoilLoam     SoilType = "Loam"
	SoilAlluvial SoilType = "Alluvial"
	SoilChalky   SoilType = "Chalky"
)

const DefaultSoil = SoilBlack

// SoilTypes lists the selectable soil types in display order.
var SoilTypes = []SoilType{
	SoilBlack,
	SoilClay,
	SoilSandy,
	SoilRed,
	SoilLoam,
	SoilAlluvial,
	SoilChalky,
}

func ParseSoilType(s string) (SoilType, error) {
	for _, st := range SoilTypes {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown soil type %q", s)
}
