package task

import "strings"

// Permissions is the full capability set for one actor over one task
// snapshot. It is computed by Evaluate and consumed both by the
// lifecycle service and by front-ends that render action buttons.
type Permissions struct {
	TakeInProgress bool
	FinishToReview bool
	AcceptDone     bool
	SendBack       bool
	Archive        bool
	Unarchive      bool
	Comment        bool
}

// PermissionInput is the task snapshot slice relevant to authorization.
// Zero values mean "not set" (CreatorID/StarterID of 0 = none).
type PermissionInput struct {
	Status      Status
	ActorID     int64
	CreatorID   int64
	AssigneeIDs []int64
	StarterID   int64
	IsAdmin     bool
	IsManager   bool
}

// Evaluate computes the allowed actions for an actor over a task
// snapshot. Pure function: no I/O, fully determined by its inputs.
func Evaluate(in PermissionInput) Permissions {
	isAssigned := false
	for _, id := range in.AssigneeIDs {
		if id == in.ActorID {
			isAssigned = true
			break
		}
	}
	isCommon := len(in.AssigneeIDs) == 0
	isStarter := in.StarterID != 0 && in.StarterID == in.ActorID
	isCreator := in.CreatorID != 0 && in.CreatorID == in.ActorID
	elevated := in.IsAdmin || in.IsManager

	return Permissions{
		TakeInProgress: in.Status == StatusNew && (elevated || isAssigned || isCommon),
		FinishToReview: in.Status == StatusInProgress && (isAssigned || (isCommon && isStarter)),
		AcceptDone:     in.Status == StatusReview && elevated,
		SendBack:       in.Status == StatusReview && elevated,
		Archive:        in.Status != StatusArchived && elevated,
		Unarchive:      in.Status == StatusArchived && elevated,
		Comment:        elevated || isAssigned || isStarter || isCommon || isCreator,
	}
}

// ValidateTransition checks a requested status change against the
// actor's permissions. It returns nil when the transition is allowed,
// or one of ErrUnsupportedTransition, ErrForbidden, ErrCommentRequired.
//
// The comment requirement for review -> in_progress is checked here,
// before any mutation happens.
func ValidateTransition(from, to Status, perms Permissions, comment string) error {
	switch to {
	case StatusInProgress:
		if !perms.TakeInProgress && !perms.SendBack {
			return ErrForbidden
		}
		if from == StatusReview && perms.SendBack && strings.TrimSpace(comment) == "" {
			return ErrCommentRequired
		}
		return nil
	case StatusReview:
		if !perms.FinishToReview {
			return ErrForbidden
		}
		return nil
	case StatusDone:
		if from == StatusArchived {
			if !perms.Unarchive {
				return ErrForbidden
			}
			return nil
		}
		if !perms.AcceptDone {
			return ErrForbidden
		}
		return nil
	case StatusArchived:
		if !perms.Archive {
			return ErrForbidden
		}
		return nil
	default:
		return ErrUnsupportedTransition
	}
}
