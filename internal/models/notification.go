package models

// NotificationEvent enumerates the workflow events pushed through the
// notification port.
type NotificationEvent string

const (
	NotifyInstanceCreated  NotificationEvent = "instanceCreated"
	NotifyDecisionRecorded NotificationEvent = "decisionRecorded"
	NotifyInstanceTerminal NotificationEvent = "instanceTerminal"
)

// Notification is the fire-and-forget message handed to the notification
// port. Delivery failures never roll back engine state.
type Notification struct {
	Event      NotificationEvent `json:"event"`
	InstanceID string            `json:"instance_id"`
	TemplateID string            `json:"template_id"`
	Status     InstanceStatus    `json:"status"`
	StageIndex int               `json:"stage_index"`
	TargetIDs  []string          `json:"target_ids"`
}
