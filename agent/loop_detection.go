package agent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/codeperch/perch/gateway"
)

// loopHistoryCapacity bounds the detector's memory. Older calls age out
// so a long productive session never trips on ancient repetition.
const loopHistoryCapacity = 15

// targetParams are argument names that identify what a tool call acts
// on, checked in order.
var targetParams = []string{"path", "file_path", "command", "pattern", "query", "url"}

// LoopError reports detected repetition. It carries enough detail for
// the surfaced message to name the repeating call.
type LoopError struct {
	Tool   string
	Rule   string
	Detail string
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("repetitive tool usage detected (%s): %s", e.Rule, e.Detail)
}

type callRecord struct {
	sig    string
	tool   string
	target string
	write  bool
}

// LoopDetector watches the stream of proposed tool calls for unproductive
// repetition. State lives for the whole session, surviving across model
// turns and user inputs; Reset clears it when a new conversation thread
// begins.
type LoopDetector struct {
	history []callRecord
	isWrite func(tool string) bool
}

// NewLoopDetector creates a detector. isWrite classifies tools for the
// same-target thresholds; nil treats every tool as a read.
func NewLoopDetector(isWrite func(tool string) bool) *LoopDetector {
	if isWrite == nil {
		isWrite = func(string) bool { return false }
	}
	return &LoopDetector{isWrite: isWrite}
}

// Reset clears the detector for a new conversation thread.
func (d *LoopDetector) Reset() {
	d.history = d.history[:0]
}

// Record adds an executed call to the detector's history.
func (d *LoopDetector) Record(call gateway.ToolCall) {
	d.history = append(d.history, d.record(call))
	if len(d.history) > loopHistoryCapacity {
		d.history = d.history[len(d.history)-loopHistoryCapacity:]
	}
}

// CheckBatch screens a proposed batch in emitted order, treating earlier
// members as already executed so a pattern completed inside one batch
// still trips. Nothing is committed; Record the calls once the batch
// passes and executes.
func (d *LoopDetector) CheckBatch(calls []gateway.ToolCall) error {
	scratch := &LoopDetector{
		history: append([]callRecord(nil), d.history...),
		isWrite: d.isWrite,
	}
	for _, call := range calls {
		if err := scratch.Check(call); err != nil {
			return err
		}
		scratch.Record(call)
	}
	return nil
}

// Check inspects a proposed call against the recorded history and returns
// a LoopError when executing it would continue a detected pattern.
func (d *LoopDetector) Check(call gateway.ToolCall) error {
	rec := d.record(call)

	if n := d.countSignature(rec.sig); n >= 2 {
		return &LoopError{Tool: call.Name, Rule: "exact_repeat",
			Detail: fmt.Sprintf("%s called %d times with identical arguments", call.Name, n)}
	}

	if rec.target != "" {
		threshold := 3
		if rec.write {
			threshold = 2
		}
		if n := d.countTarget(rec.tool, rec.target); n >= threshold {
			return &LoopError{Tool: call.Name, Rule: "same_target",
				Detail: fmt.Sprintf("%s called %d times against %q", call.Name, n, rec.target)}
		}
	}

	if plen := d.cyclePattern(rec.sig); plen > 0 {
		return &LoopError{Tool: call.Name, Rule: "cycle",
			Detail: fmt.Sprintf("tool calls repeat in a cycle of length %d", plen)}
	}

	return nil
}

func (d *LoopDetector) record(call gateway.ToolCall) callRecord {
	return callRecord{
		sig:    toolCallSignature(call.Name, call.Arguments),
		tool:   call.Name,
		target: extractTarget(call.Arguments),
		write:  d.isWrite(call.Name),
	}
}

func (d *LoopDetector) countSignature(sig string) int {
	n := 0
	for _, rec := range d.history {
		if rec.sig == sig {
			n++
		}
	}
	return n
}

func (d *LoopDetector) countTarget(tool, target string) int {
	n := 0
	for _, rec := range d.history {
		if rec.tool == tool && rec.target == target {
			n++
		}
	}
	return n
}

// cyclePattern checks whether appending the proposed signature makes the
// history tail a repeated block of length 2 or 3. Single-signature tails
// are the exact-repeat rule's business, so a block must contain at least
// two distinct signatures.
func (d *LoopDetector) cyclePattern(proposed string) int {
	sigs := make([]string, 0, len(d.history)+1)
	for _, rec := range d.history {
		sigs = append(sigs, rec.sig)
	}
	sigs = append(sigs, proposed)

	for _, plen := range []int{2, 3} {
		span := plen * 2
		if len(sigs) < span {
			continue
		}
		tail := sigs[len(sigs)-span:]
		block := tail[:plen]

		distinct := map[string]bool{}
		for _, s := range block {
			distinct[s] = true
		}
		if len(distinct) < 2 {
			continue
		}

		match := true
		for i := plen; i < span; i++ {
			if tail[i] != block[i-plen] {
				match = false
				break
			}
		}
		if match {
			return plen
		}
	}
	return 0
}

// toolCallSignature computes a deterministic signature for a tool call:
// name plus a hash of its normalized arguments. Normalization re-encodes
// the JSON with sorted keys so formatting differences don't defeat the
// exact-repeat rule.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(normalizeArguments(arguments))
	return fmt.Sprintf("%s:%x", name, h[:8])
}

func normalizeArguments(raw json.RawMessage) []byte {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String())
}

// extractTarget pulls the argument that identifies what the call acts on.
func extractTarget(raw json.RawMessage) string {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	for _, key := range targetParams {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
