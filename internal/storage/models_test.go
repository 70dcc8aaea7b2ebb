package storage

import (
	"testing"

	"github.com/google/uuid"

	"github.com/tidalflow/tidalflow/pkg/models"
)

func TestDAGDocumentRoundTrip(t *testing.T) {
	doc := DAGDocument{DAG: &models.DAG{
		Tasks: []models.TaskNode{
			{
				TaskID:   "branchy",
				Type:     "echo",
				Params:   map[string]interface{}{"branch": "left"},
				Branches: map[string][]string{"left": {"l"}, "right": {"r"}},
			},
			{TaskID: "l", Type: "echo", Params: map[string]interface{}{}},
			{TaskID: "r", Type: "echo", Params: map[string]interface{}{}},
		},
	}}

	value, err := doc.Value()
	if err != nil {
		t.Fatal(err)
	}
	var decoded DAGDocument
	if err := decoded.Scan(value.([]byte)); err != nil {
		t.Fatal(err)
	}
	if len(decoded.DAG.Tasks) != 3 {
		t.Fatalf("decoded %d tasks", len(decoded.DAG.Tasks))
	}
	if got := decoded.DAG.Tasks[0].Branches["left"]; len(got) != 1 || got[0] != "l" {
		t.Fatalf("branches lost: %v", decoded.DAG.Tasks[0].Branches)
	}

	var empty DAGDocument
	if err := empty.Scan(nil); err != nil || empty.DAG != nil {
		t.Fatalf("nil scan: %v %v", empty.DAG, err)
	}
}

func TestTaskRunConversion(t *testing.T) {
	idx := 2
	tr := &models.TaskRun{
		ID:            uuid.NewString(),
		WorkflowRunID: uuid.NewString(),
		TaskID:        "fan",
		LoopIndex:     &idx,
		Attempt:       2,
		MaxAttempts:   3,
		Status:        models.TaskSuccess,
		Result:        map[string]interface{}{"stdout": "ok"},
		Log:           "INPUT: {}\nOUTPUT: ok",
	}

	model, err := FromTaskRun(tr)
	if err != nil {
		t.Fatal(err)
	}
	back := model.ToTaskRun()
	if back.TaskID != "fan" || *back.LoopIndex != 2 || back.Attempt != 2 {
		t.Fatalf("round trip lost fields: %+v", back)
	}
	if back.Result["stdout"] != "ok" {
		t.Fatalf("result lost: %v", back.Result)
	}
}

func TestFromWorkflowRunRejectsBadWorkflowID(t *testing.T) {
	_, err := FromWorkflowRun(&models.WorkflowRun{WorkflowID: "not-a-uuid"})
	if err == nil {
		t.Fatal("expected error for invalid workflow id")
	}
}
