package httpapi

import (
	"context"
	"net/http"

	"qms/journey-service/internal/journey"
	"qms/journey-service/internal/models"
)

type actionFunc func(o *journey.Orchestrator, r *http.Request, entry models.QueueEntry, req actionRequest) (models.QueueEntry, error)

var actions = map[string]actionFunc{
	"call": func(o *journey.Orchestrator, r *http.Request, entry models.QueueEntry, req actionRequest) (models.QueueEntry, error) {
		var opts []journey.CallOption
		if req.AssignedTo != "" {
			opts = append(opts, journey.WithAssignee(req.AssignedTo))
		}
		return o.Call(r.Context(), entry, req.ActorID, req.Notes, opts...)
	},
	"start":            simple((*journey.Orchestrator).Start),
	"send-to-exam":     simple((*journey.Orchestrator).SendToExam),
	"return-from-exam": simple((*journey.Orchestrator).ReturnFromExam),
	"complete":         simple((*journey.Orchestrator).Complete),
	"no-show":          simple((*journey.Orchestrator).MarkNoShow),
	"cancel":           simple((*journey.Orchestrator).Cancel),
	"close":            simple((*journey.Orchestrator).Close),
	"requeue":          simple((*journey.Orchestrator).Requeue),
}

func simple(op func(*journey.Orchestrator, context.Context, models.QueueEntry, string, string) (models.QueueEntry, error)) actionFunc {
	return func(o *journey.Orchestrator, r *http.Request, entry models.QueueEntry, req actionRequest) (models.QueueEntry, error) {
		return op(o, r.Context(), entry, req.ActorID, req.Notes)
	}
}

// actionsFrom names the actions the guard would accept from current, in the
// order a desk would usually offer them.
func actionsFrom(current models.Status) []string {
	names := []string{}
	for _, target := range journey.AllowedTargets(current) {
		switch target {
		case models.StatusWaiting:
			names = append(names, "requeue")
		case models.StatusCalled:
			names = append(names, "call")
		case models.StatusInConsultation:
			if current == models.StatusAwaitingExam {
				names = append(names, "return-from-exam")
			} else {
				names = append(names, "start")
			}
		case models.StatusAwaitingExam:
			names = append(names, "send-to-exam")
		case models.StatusCompleted:
			names = append(names, "complete")
		case models.StatusClosed:
			names = append(names, "close")
		case models.StatusCancelled:
			names = append(names, "cancel")
		case models.StatusNoShow:
			names = append(names, "no-show")
		}
	}
	return names
}
