package broker

import (
	"errors"
	"strings"
)

// ValidateTopicFilter checks the MQTT wildcard rules: '#' only as the whole
// last level, '+' only as a whole level.
func ValidateTopicFilter(filter string) error {
	if strings.TrimSpace(filter) == "" {
		return errors.New("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return errors.New("'#' must be the last level")
			}
		case level == "+":
		case strings.ContainsAny(level, "#+"):
			return errors.New("wildcards must occupy a whole level")
		}
	}
	return nil
}
