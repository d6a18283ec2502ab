package bus

import (
	"strings"
	"testing"
)

func TestTopics_Distinct(t *testing.T) {
	topics := []string{
		TopicTaskUpdated,
		TopicTaskDeleted,
		TopicApprovalRequested,
		TopicApprovalResolved,
		TopicThreadCompacted,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestTopics_TaskPrefixDoesNotMatchApproval(t *testing.T) {
	if strings.HasPrefix(TopicApprovalRequested, "task:") {
		t.Fatal("approval topic must not share the task: prefix")
	}
	b := New()
	sub := b.Subscribe("task:")
	defer b.Unsubscribe(sub)

	b.Publish(TopicApprovalRequested, nil)
	b.Publish(TopicTaskUpdated, nil)

	ev := <-sub.Ch()
	if ev.Topic != TopicTaskUpdated {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicTaskUpdated)
	}
	if len(sub.Ch()) != 0 {
		t.Fatal("unexpected extra event")
	}
}
