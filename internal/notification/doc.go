// Package notification defines the closed set of build event types cibot
// can announce, and the classifier that derives a type from a result
// transition.
package notification
