package taskflow

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")

	// ErrRemindCooldown means a manual remind was requested again
	// before the per-task cooldown elapsed.
	ErrRemindCooldown = errors.New("remind cooldown active")
)
