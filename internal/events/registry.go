// Package events defines the catalogue of domain event types and the
// emit surface business logic uses to hand events to the dispatcher.
package events

import "sort"

// Event types are dot-namespaced; the segment before the first dot is
// the category. System-category events fan out across all owners.
const (
	GoalCreated   = "goal.created"
	GoalUpdated   = "goal.updated"
	GoalCompleted = "goal.completed"
	GoalDeleted   = "goal.deleted"

	QuestStarted   = "quest.started"
	QuestCompleted = "quest.completed"
	QuestAbandoned = "quest.abandoned"

	StepCreated   = "step.created"
	StepCompleted = "step.completed"
	StepSkipped   = "step.skipped"

	SparkCreated   = "spark.created"
	SparkTriggered = "spark.triggered"

	MemoryCreated = "memory.created"
	MemoryUpdated = "memory.updated"

	ChatMessageCreated = "chat.message.created"
	ChatSessionEnded   = "chat.session.ended"

	UserCreated = "user.created"
	UserUpdated = "user.updated"

	SystemPing        = "system.ping"
	SystemMaintenance = "system.maintenance"
)

var registry = map[string]struct{}{
	GoalCreated:        {},
	GoalUpdated:        {},
	GoalCompleted:      {},
	GoalDeleted:        {},
	QuestStarted:       {},
	QuestCompleted:     {},
	QuestAbandoned:     {},
	StepCreated:        {},
	StepCompleted:      {},
	StepSkipped:        {},
	SparkCreated:       {},
	SparkTriggered:     {},
	MemoryCreated:      {},
	MemoryUpdated:      {},
	ChatMessageCreated: {},
	ChatSessionEnded:   {},
	UserCreated:        {},
	UserUpdated:        {},
	SystemPing:         {},
	SystemMaintenance:  {},
}

// Known reports whether eventType is a registered type.
func Known(eventType string) bool {
	_, ok := registry[eventType]
	return ok
}

// Types returns all registered event types, sorted.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
