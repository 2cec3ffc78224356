package notification

import (
	"fmt"

	"cibot/internal/build"
)

// Type is a build notification event type.
type Type string

const (
	Started      Type = "STARTED"
	Aborted      Type = "ABORTED"
	Success      Type = "SUCCESS"
	Failure      Type = "FAILURE"
	NotBuilt     Type = "NOT_BUILT"
	Unstable     Type = "UNSTABLE"
	BackToNormal Type = "BACK_TO_NORMAL"
)

// statuses maps each type to its human-readable message text.
var statuses = map[Type]string{
	Started:      "Build Started",
	Aborted:      "Build Aborted",
	Success:      "Build Success",
	Failure:      "Build Failure",
	NotBuilt:     "Build Not Built",
	Unstable:     "Build Unstable",
	BackToNormal: "Build Back To Normal",
}

// Status returns the display text for t, or the raw tag for an unknown type.
func (t Type) Status() string {
	if s, ok := statuses[t]; ok {
		return s
	}
	return string(t)
}

// Known reports whether t is one of the seven defined types.
func (t Type) Known() bool {
	_, ok := statuses[t]
	return ok
}

// Classify maps a completed build's result transition to a notification
// type. previous is nil for transitions where no prior outcome exists.
//
// STARTED is never derived here; the dispatcher emits it directly on start
// events. An unknown current result is an error, never a silent default.
func Classify(previous *build.Result, current build.Result) (Type, error) {
	switch current {
	case build.ResultAborted:
		return Aborted, nil
	case build.ResultFailure:
		return Failure, nil
	case build.ResultNotBuilt:
		return NotBuilt, nil
	case build.ResultUnstable:
		return Unstable, nil
	case build.ResultSuccess:
		if previous != nil && *previous != build.ResultSuccess {
			return BackToNormal, nil
		}
		return Success, nil
	}
	return "", fmt.Errorf("notification: unable to classify result %q", current)
}
