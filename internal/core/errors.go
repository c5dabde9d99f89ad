// Package core defines the fundamental types and errors for the coaching engine.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Storage errors
	ErrDatabaseNotFound = errors.New("database not found")
	ErrMigrationFailed  = errors.New("migration failed")
	ErrRecordNotFound   = errors.New("record not found")
	ErrDuplicateRecord  = errors.New("duplicate record")

	// Profile errors
	ErrProfileNotFound = errors.New("profile not found")
	ErrUnknownBehavior = errors.New("unknown behavior")
	ErrUnknownState    = errors.New("unknown user state")

	// Intervention errors
	ErrInterventionNotFound    = errors.New("intervention not found")
	ErrResponseAlreadyRecorded = errors.New("intervention response already recorded")
	ErrInvalidResponse         = errors.New("invalid intervention response")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrNoMessage               = errors.New("no message variant for intervention")

	// Win errors
	ErrWinNotFound = errors.New("win not found")

	// Detection errors
	ErrDetectorFailed = errors.New("detector failed")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
	ErrInvalidPolicy   = errors.New("invalid policy")
)
