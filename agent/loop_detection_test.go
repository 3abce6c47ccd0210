package agent

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/codeperch/perch/gateway"
)

func tc(name, args string) gateway.ToolCall {
	return gateway.ToolCall{ID: "id", Name: name, Arguments: json.RawMessage(args)}
}

func writeAware(tool string) bool {
	return tool == "edit_file" || tool == "write_file" || tool == "shell"
}

func TestExactRepeatTripsBeforeThirdExecution(t *testing.T) {
	d := NewLoopDetector(nil)
	read := tc("read_file", `{"path":"main.go"}`)

	// First call: clean, execute, record.
	if err := d.Check(read); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	d.Record(read)

	// Second identical call: still allowed, record.
	if err := d.Check(read); err != nil {
		t.Fatalf("second call should pass: %v", err)
	}
	d.Record(read)

	// Third identical call must be blocked before it executes.
	err := d.Check(read)
	if err == nil {
		t.Fatal("expected loop error on the third identical call")
	}
	le, ok := err.(*LoopError)
	if !ok {
		t.Fatalf("expected LoopError, got %T", err)
	}
	if le.Rule != "exact_repeat" {
		t.Errorf("expected exact_repeat, got %s", le.Rule)
	}
}

func TestExactRepeatIgnoresArgumentFormatting(t *testing.T) {
	d := NewLoopDetector(nil)
	d.Record(tc("grep", `{"pattern":"x","path":"src"}`))
	d.Record(tc("grep", `{"path":"src","pattern":"x"}`))

	// Key order differs but the calls are semantically identical.
	if err := d.Check(tc("grep", `{ "pattern": "x", "path": "src" }`)); err == nil {
		t.Error("expected key-order-insensitive signatures to trip the exact rule")
	}
}

func TestSameTargetWriteThreshold(t *testing.T) {
	d := NewLoopDetector(writeAware)

	// Two prior edits of the same file with different contents.
	d.Record(tc("edit_file", `{"path":"a.go","old_string":"x","new_string":"y"}`))
	d.Record(tc("edit_file", `{"path":"a.go","old_string":"y","new_string":"z"}`))

	err := d.Check(tc("edit_file", `{"path":"a.go","old_string":"z","new_string":"w"}`))
	if err == nil {
		t.Fatal("expected same-target rule to trip for repeated writes")
	}
	if le := err.(*LoopError); le.Rule != "same_target" {
		t.Errorf("expected same_target, got %s", le.Rule)
	}
}

func TestSameTargetReadThresholdIsLooser(t *testing.T) {
	d := NewLoopDetector(writeAware)

	d.Record(tc("read_file", `{"path":"a.go","offset":1}`))
	d.Record(tc("read_file", `{"path":"a.go","offset":50}`))

	// Two distinct reads of the same file are normal exploration.
	if err := d.Check(tc("read_file", `{"path":"a.go","offset":100}`)); err != nil {
		t.Fatalf("third distinct read should pass: %v", err)
	}
	d.Record(tc("read_file", `{"path":"a.go","offset":100}`))

	if err := d.Check(tc("read_file", `{"path":"a.go","offset":150}`)); err == nil {
		t.Error("expected the fourth read of the same file to trip")
	}
}

func TestCyclePatternDetected(t *testing.T) {
	d := NewLoopDetector(nil)
	a := tc("read_file", `{"path":"a.go"}`)
	b := tc("grep", `{"pattern":"foo"}`)

	// a b a: proposing b completes a-b-a-b, a cycle of length 2.
	d.Record(a)
	d.Record(b)
	d.Record(a)

	err := d.Check(b)
	if err == nil {
		t.Fatal("expected cycle detection")
	}
	if le := err.(*LoopError); le.Rule != "cycle" {
		t.Errorf("expected cycle, got %s", le.Rule)
	}
}

func TestCycleRequiresDistinctSignatures(t *testing.T) {
	d := NewLoopDetector(nil)
	a := tc("read_file", `{"path":"a.go"}`)

	// A single repeated signature is the exact-repeat rule's business;
	// after one record, one more identical call is still allowed.
	d.Record(a)
	if err := d.Check(a); err != nil {
		t.Errorf("cycle rule must not fire on a single-signature tail: %v", err)
	}
}

func TestCheckBatchCompletesCycleWithinOneBatch(t *testing.T) {
	d := NewLoopDetector(nil)
	a := tc("read_file", `{"path":"a.go"}`)
	b := tc("grep", `{"pattern":"foo"}`)

	// History holds a b; a batch of a b completes the a-b-a-b cycle even
	// though neither member alone extends committed history far enough.
	d.Record(a)
	d.Record(b)

	err := d.CheckBatch([]gateway.ToolCall{a, b})
	if err == nil {
		t.Fatal("expected cycle completed within the batch to trip")
	}
	if le := err.(*LoopError); le.Rule != "cycle" {
		t.Errorf("expected cycle, got %s", le.Rule)
	}
}

func TestCheckBatchIdenticalTriplet(t *testing.T) {
	d := NewLoopDetector(nil)
	read := tc("read_file", `{"path":"main.go"}`)

	// Three identical calls in one batch: the third sees two earlier
	// batch members as if executed.
	err := d.CheckBatch([]gateway.ToolCall{read, read, read})
	if err == nil {
		t.Fatal("expected exact-repeat to trip inside the batch")
	}
	if le := err.(*LoopError); le.Rule != "exact_repeat" {
		t.Errorf("expected exact_repeat, got %s", le.Rule)
	}
}

func TestCheckBatchCommitsNothing(t *testing.T) {
	d := NewLoopDetector(nil)
	read := tc("read_file", `{"path":"main.go"}`)

	if err := d.CheckBatch([]gateway.ToolCall{read, read}); err != nil {
		t.Fatalf("a pair should pass: %v", err)
	}
	if len(d.history) != 0 {
		t.Errorf("screening must not commit to history, got %d records", len(d.history))
	}
}

func TestResetClearsHistory(t *testing.T) {
	d := NewLoopDetector(nil)
	read := tc("read_file", `{"path":"main.go"}`)
	d.Record(read)
	d.Record(read)

	d.Reset()
	if err := d.Check(read); err != nil {
		t.Errorf("expected clean slate after reset: %v", err)
	}
}

func TestHistoryCapacityAgesOut(t *testing.T) {
	d := NewLoopDetector(nil)
	old := tc("read_file", `{"path":"ancient.go"}`)
	d.Record(old)
	d.Record(old)

	// Fill the window with distinct calls so the old pair ages out.
	for i := 0; i < loopHistoryCapacity; i++ {
		d.Record(tc("read_file", fmt.Sprintf(`{"path":"file%d.go"}`, i)))
	}

	if err := d.Check(old); err != nil {
		t.Errorf("expected aged-out repetition to pass: %v", err)
	}
}

func TestDistinctCallsNeverTrip(t *testing.T) {
	d := NewLoopDetector(writeAware)
	for i := 0; i < 30; i++ {
		c := tc("read_file", fmt.Sprintf(`{"path":"pkg/file%d.go"}`, i))
		if err := d.Check(c); err != nil {
			t.Fatalf("distinct call %d tripped: %v", i, err)
		}
		d.Record(c)
	}
}
