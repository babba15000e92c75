package model

import (
	"github.com/LeonardoBeccarini/agriedge/internal/model/entities"
	"github.com/LeonardoBeccarini/agriedge/internal/model/messages"
)

// Alias per esporre tipi comuni ai servizi

type (
	SensorPayload = messages.SensorPayload
	SoilType      = entities.SoilType
	Stage         = entities.Stage
)
