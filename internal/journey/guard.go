package journey

import "qms/journey-service/internal/models"

// CanTransition reports whether a generic operation may move an entry from
// current to target. Self-loops are never legal, so repeating an action is
// rejected instead of silently accepted. no_show -> waiting is absent on
// purpose: it only happens through Requeue, which also resets the clock.
func CanTransition(current, target models.Status) bool {
	switch current {
	case models.StatusWaiting:
		return target == models.StatusCalled ||
			target == models.StatusNoShow ||
			target == models.StatusCancelled
	case models.StatusCalled:
		return target == models.StatusInConsultation ||
			target == models.StatusNoShow ||
			target == models.StatusCancelled
	case models.StatusInConsultation:
		return target == models.StatusAwaitingExam ||
			target == models.StatusCompleted ||
			target == models.StatusCancelled
	case models.StatusAwaitingExam:
		return target == models.StatusInConsultation
	case models.StatusCompleted:
		return target == models.StatusClosed
	case models.StatusClosed, models.StatusCancelled, models.StatusNoShow:
		return false
	}
	return false
}

func canRequeue(current models.Status) bool {
	return current == models.StatusNoShow
}

// AllowedTargets lists the statuses reachable from current, including the
// requeue path, so callers can hide actions that would be rejected.
func AllowedTargets(current models.Status) []models.Status {
	var targets []models.Status
	for _, target := range models.AllStatuses {
		if CanTransition(current, target) {
			targets = append(targets, target)
		}
	}
	if canRequeue(current) {
		targets = append(targets, models.StatusWaiting)
	}
	return targets
}
