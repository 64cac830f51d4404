package models

import "fmt"

// Status is the stage of a queue entry. The set is closed: every switch over
// Status in this module lists all variants.
type Status uint8

const (
	StatusWaiting Status = iota + 1
	StatusCalled
	StatusInConsultation
	StatusAwaitingExam
	StatusCompleted
	StatusClosed
	StatusCancelled
	StatusNoShow
)

var AllStatuses = []Status{
	StatusWaiting,
	StatusCalled,
	StatusInConsultation,
	StatusAwaitingExam,
	StatusCompleted,
	StatusClosed,
	StatusCancelled,
	StatusNoShow,
}

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusCalled:
		return "called"
	case StatusInConsultation:
		return "in_consultation"
	case StatusAwaitingExam:
		return "awaiting_exam"
	case StatusCompleted:
		return "completed"
	case StatusClosed:
		return "closed"
	case StatusCancelled:
		return "cancelled"
	case StatusNoShow:
		return "no_show"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) Valid() bool {
	return s >= StatusWaiting && s <= StatusNoShow
}

// Terminal reports whether the visit is over. no_show is not terminal since
// the entry can be requeued.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusClosed, StatusCancelled:
		return true
	case StatusWaiting, StatusCalled, StatusInConsultation, StatusAwaitingExam, StatusNoShow:
		return false
	}
	return false
}

func ParseStatus(value string) (Status, error) {
	for _, status := range AllStatuses {
		if status.String() == value {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", value)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
