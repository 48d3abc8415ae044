package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the wallet gate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeWalletCall = mcp.NewTool("analyze_wallet_call",
	mcp.WithDescription(
		"Assess a wallet call before it is signed. "+
			"Returns a risk level and score, what the call would do in plain language, "+
			"the risks found and a recommendation (ALLOW, WARN, HIGH or BLOCK). "+
			"Use this before approving any transaction, signature or connection request."),
	mcp.WithString("method",
		mcp.Required(),
		mcp.Description("JSON-RPC method, e.g. 'eth_sendTransaction', 'eth_signTypedData_v4', 'personal_sign'")),
	mcp.WithString("origin",
		mcp.Required(),
		mcp.Description("Website that issued the call, e.g. 'https://app.uniswap.org'")),
	mcp.WithArray("params",
		mcp.Description("JSON-RPC params exactly as the website sent them")),
	mcp.WithString("chain_id",
		mcp.Description("Hex chain id the wallet is on, e.g. '0x1'")),
)

var ToolCheckOrigin = mcp.NewTool("check_origin",
	mcp.WithDescription(
		"Check how trustworthy a website looks: verified list membership, threat-intel hits, "+
			"and look-alike signals such as punycode or brand typosquats."),
	mcp.WithString("host",
		mcp.Required(),
		mcp.Description("Hostname or URL, e.g. 'uniswap.org' or 'https://app.uniswap.org'")),
)

var ToolIntelStatus = mcp.NewTool("intel_status",
	mcp.WithDescription(
		"Show how fresh the threat-intel lists are and how many entries they hold. "+
			"Verdicts are less complete while the lists are stale."),
)

var ToolRecentDecisions = mcp.NewTool("recent_decisions",
	mcp.WithDescription(
		"List recent allow and reject decisions, newest first."),
	mcp.WithString("host",
		mcp.Description("Only decisions for this site")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of decisions to return (default 20)")),
)
