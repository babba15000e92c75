package entities

import "fmt"

// Stage is the growth stage the operator selected for the monitored crop.
type Stage string

const (
	StageGermination    Stage = "Germination"
	StageSeedling       Stage = "Seedling"
	StageVegetative     Stage = "Vegetative Growth"
	StageFlowering      Stage = "Flowering"
	StageFruitFormation Stage = "Fruit Formation"
	StageMaturation     Stage = "Maturation"
)

// DefaultStage is the stage a new session starts with.
const DefaultStage = StageGermination

// Stages lists the selectable stages in display order.
var Stages = []Stage{
	StageGermination,
	StageSeedling,
	StageVegetative,
	StageFlowering,
	StageFruitFormation,
	StageMaturation,
}

// ParseStage returns the Stage named s, or an error if s is not selectable.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown crop stage %q", s)
}
