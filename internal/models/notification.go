package models

// NotificationRule fires Template when a member is exactly DayOffset days past
// due (negative offsets are before the due date) and in Status. When
// AfterGrace is set the offset counts from the end of the grace period.
type NotificationRule struct {
	Template   string        `json:"template"`
	DayOffset  int           `json:"day_offset"`
	AfterGrace bool          `json:"after_grace"`
	Status     PaymentStatus `json:"status"`
}

// NotificationTrigger is a decision to notify; delivery happens elsewhere.
type NotificationTrigger struct {
	MemberID    string        `json:"member_id"`
	Template    string        `json:"template"`
	DaysOverdue int           `json:"days_overdue"`
	Status      PaymentStatus `json:"status"`
}
