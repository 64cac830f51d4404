package models

import "time"

type Activity struct {
	ActivityID  string            `json:"activity_id"`
	StructureID string            `json:"structure_id"`
	ActorID     string            `json:"actor_id,omitempty"`
	Action      string            `json:"action"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
