package router

import (
	"fmt"
	"strings"
)

// ValidateFilter checks MQTT topic filter syntax: `+` and `#` must occupy a
// whole level, and `#` is only valid as the final level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if level == "#" && i != len(levels)-1 {
			return fmt.Errorf("invalid filter %q: # must be the final level", filter)
		}
		if level != "+" && level != "#" && strings.ContainsAny(level, "+#") {
			return fmt.Errorf("invalid filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}

// Match reports whether topic matches filter under MQTT semantics:
// `+` matches exactly one level, `#` matches zero or more trailing levels.
func Match(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, level := range fl {
		if level == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != "+" && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
