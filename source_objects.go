package main

import (
	"fmt"
	"strings"
)

// originTriggerWarnings reports triggers already defined on the origin table.
// Leftover synchronization triggers from an aborted run make entanglement
// fail, so they get a pointer to the cleanup command.
func originTriggerWarnings(origin string, triggers []string) []string {
	if len(triggers) == 0 {
		return nil
	}

	var own, foreign []string
	for _, t := range triggers {
		if strings.HasPrefix(t, triggerPrefix) {
			own = append(own, t)
		} else {
			foreign = append(foreign, t)
		}
	}

	var warnings []string
	if len(foreign) > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"%s has %d existing triggers; they keep firing on the original table only",
			origin, len(foreign),
		))
		for _, t := range foreign {
			warnings = append(warnings, fmt.Sprintf("trigger: %s", t))
		}
	}
	for _, t := range own {
		warnings = append(warnings, fmt.Sprintf(
			"leftover trigger %s from an earlier run; remove it with `shadowswap cleanup --table %s --run`",
			t, origin,
		))
	}
	return warnings
}
