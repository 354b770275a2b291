package domain

import "testing"

func TestTaskStatusTerminal(t *testing.T) {
	cases := map[TaskStatus]bool{
		TaskPending:   false,
		TaskRunning:   false,
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestTaskCloneDetachesToolCalls(t *testing.T) {
	task := &Task{ID: "t1", ToolCalls: []ToolCall{{ID: "c1"}}}
	clone := task.Clone()
	clone.ToolCalls[0].ID = "changed"
	clone.ToolCalls = append(clone.ToolCalls, ToolCall{ID: "c2"})

	if task.ToolCalls[0].ID != "c1" {
		t.Errorf("original mutated: %q", task.ToolCalls[0].ID)
	}
	if len(task.ToolCalls) != 1 {
		t.Errorf("original length = %d, want 1", len(task.ToolCalls))
	}
}
