package protocol

import "testing"

func TestStateTransitions(t *testing.T) {
	legal := []struct {
		from, to TaskState
	}{
		{TaskStateSubmitted, TaskStateWorking},
		{TaskStateSubmitted, TaskStateCanceled},
		{TaskStateWorking, TaskStateInputRequired},
		{TaskStateWorking, TaskStateCompleted},
		{TaskStateWorking, TaskStateFailed},
		{TaskStateWorking, TaskStateCanceled},
		{TaskStateInputRequired, TaskStateWorking},
		{TaskStateInputRequired, TaskStateCanceled},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct {
		from, to TaskState
	}{
		{TaskStateCompleted, TaskStateWorking},
		{TaskStateFailed, TaskStateWorking},
		{TaskStateCanceled, TaskStateSubmitted},
		{TaskStateCompleted, TaskStateCanceled},
		{TaskStateSubmitted, TaskStateInputRequired},
		{TaskStateSubmitted, TaskStateCompleted},
		{TaskStateInputRequired, TaskStateCompleted},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskState{TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPartValidate(t *testing.T) {
	if err := (&Part{}).Validate(); err == nil {
		t.Error("empty part should fail validation")
	}

	two := &Part{Text: &TextPart{Text: "a"}, Data: &DataPart{MimeType: "application/octet-stream", Bytes: []byte{1}}}
	if err := two.Validate(); err == nil {
		t.Error("part with two variants should fail validation")
	}

	ok := TextOf("hello")
	if err := ok.Validate(); err != nil {
		t.Errorf("text part should validate: %v", err)
	}

	if err := (&Part{File: &FilePart{MimeType: "image/png"}}).Validate(); err == nil {
		t.Error("file part without file_id should fail validation")
	}
}

func TestMessageValidate(t *testing.T) {
	m := NewMessage("ctx-1", "task-1", TextOf("hi"))
	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	empty := NewMessage("ctx-1", "task-1")
	if err := empty.Validate(); err == nil {
		t.Error("message with no parts should fail validation")
	}

	m.Role = "system"
	if err := m.Validate(); err == nil {
		t.Error("unknown role should fail validation")
	}
}

func TestTaskCloneIsolation(t *testing.T) {
	task := &Task{
		ID:        "t1",
		ContextID: "c1",
		History:   []Message{NewMessage("c1", "t1", TextOf("hi"))},
		Artifacts: []Artifact{{ID: "a1", Parts: []Part{TextOf("x")}}},
		Metadata:  map[string]string{"k": "v"},
	}

	cp := task.Clone()
	cp.History = append(cp.History, NewMessage("c1", "t1", TextOf("more")))
	cp.Artifacts[0].Parts = append(cp.Artifacts[0].Parts, TextOf("y"))
	cp.Metadata["k"] = "changed"

	if len(task.History) != 1 {
		t.Errorf("clone mutated original history: %d entries", len(task.History))
	}
	if len(task.Artifacts[0].Parts) != 1 {
		t.Errorf("clone mutated original artifact parts")
	}
	if task.Metadata["k"] != "v" {
		t.Errorf("clone mutated original metadata")
	}
}
