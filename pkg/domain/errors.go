// Package domain holds the error kinds shared across OrbitMesh subsystems.
package domain

import "errors"

var (
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrExpressionParse    = errors.New("expression parse error")
	ErrExpressionType     = errors.New("expression type error")
	ErrStepTimeout        = errors.New("step timed out")
	ErrStepFailed         = errors.New("step failed")
	ErrAgentUnavailable   = errors.New("no agent available")
	ErrAgentBusy          = errors.New("agent outbound queue full")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrStoreConflict      = errors.New("store conflict")
	ErrCancelled          = errors.New("cancelled")
	ErrInternal           = errors.New("internal error")
)
