package agent

import (
	"github.com/codeperch/perch/gateway"
	"github.com/codeperch/perch/tools"
)

func gatewayUsage() gateway.Usage {
	return gateway.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
}

func toolResult(callID, content string) tools.Result {
	return tools.Result{CallID: callID, Tool: "read_file", Content: content}
}
