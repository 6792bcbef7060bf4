// Package common holds the handful of helpers shared by every native
// engine.
package common

import "errors"

// ErrModulePaused is returned by Guard while a module's pause flag is set.
var ErrModulePaused = errors.New("module paused")

// PauseView answers whether a named module is administratively paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects mutating entry points of a paused module. A nil view or an
// empty module name disables the check, so engines stay usable before the
// pause registry is wired.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
