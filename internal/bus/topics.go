package bus

// Task topics. Payloads are defined by the publishing package
// (task.UpdatedEvent) so the bus stays dependency-free.
const (
	TopicTaskUpdated = "task:updated"
	TopicTaskDeleted = "task:deleted"
)

// Approval topics used by interactive front ends.
const (
	TopicApprovalRequested = "approval:requested"
	TopicApprovalResolved  = "approval:resolved"
)

// Thread topics.
const (
	TopicThreadCompacted = "thread:compacted"
)
