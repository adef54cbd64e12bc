package session

import (
	"errors"
	"fmt"
)

// ErrInvalidSession is returned when a token is unknown, inactive or past
// its expiry.
var ErrInvalidSession = errors.New("session not found or expired")

// Provisioning stages reported by ProvisioningError.
const (
	StageCreateSandbox = "create sandbox"
	StageSeedSandbox   = "seed sandbox"
	StageOpenPTY       = "open pty"
	StagePersistRecord = "persist record"
)

// ProvisioningError means a session could not be created. Nothing is left
// registered when it is returned.
type ProvisioningError struct {
	Stage string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("create session: %s: %v", e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// CommandError means a one-shot command could not be run in the sandbox.
type CommandError struct {
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command execution failed: %v", e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
