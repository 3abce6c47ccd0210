// Package agent implements the conversation orchestration loop for a
// tool-using coding assistant.
//
// A Session drives the loop: it assembles the model-facing context from
// the turn history, calls the model through the gateway, executes any
// tool calls through the tools package, and feeds results back until
// the model answers without tools or a stop condition fires (user
// rejection, loop detection, iteration limit, abort, or an unrecoverable
// gateway error).
//
// Supporting pieces: LoopDetector screens proposed tool calls for
// unproductive repetition, ApprovalGate suspends gated writes until the
// human decides, Assembler builds the system prompt and message list,
// and Compactor summarizes old history when the conversation outgrows
// its thresholds. Hosts observe everything through the session's typed
// event channel.
package agent
