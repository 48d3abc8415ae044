package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeWalletCall returns the verdict for one wallet call.
func (h *Handlers) HandleAnalyzeWalletCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	method := strings.TrimSpace(req.GetString("method", ""))
	if method == "" {
		return mcp.NewToolResultError("method is required"), nil
	}
	origin := strings.TrimSpace(req.GetString("origin", ""))
	if origin == "" {
		return mcp.NewToolResultError("origin is required"), nil
	}

	params, err := rawParams(req.GetArguments()["params"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid params: %v", err)), nil
	}

	c := call.New(method, params, call.ShapeRequest, origin)
	c.ChainID = strings.ToLower(req.GetString("chain_id", ""))

	a, err := h.client.Analyze(ctx, c)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze call: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAnalysis(c, a)), nil
}

// HandleCheckOrigin returns the trust assessment for a site.
func (h *Handlers) HandleCheckOrigin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host := call.HostOf(req.GetString("host", ""))
	if host == "" {
		return mcp.NewToolResultError("host is required"), nil
	}

	raw, err := h.client.Trust(ctx, host)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check origin: %v", err)), nil
	}

	text, err := formatTrust(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trust: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleIntelStatus reports threat-intel freshness.
func (h *Handlers) HandleIntelStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.IntelStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get intel status: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intel status: %v", err)), nil
	}

	var sb strings.Builder
	state := "fresh"
	if b, _ := m["stale"].(bool); b {
		state = "STALE"
	}
	fmt.Fprintf(&sb, "Threat intel: %s\n", state)
	if age, ok := getFloat(m, "ageSeconds"); ok {
		fmt.Fprintf(&sb, "Age: %ds\n", int64(age))
	}
	if v := getString(m, "updatedAt"); v != "" {
		fmt.Fprintf(&sb, "Updated: %s\n", v)
	}
	fmt.Fprintf(&sb, "Blocked hosts: %s\n", getString(m, "blockedHosts"))
	fmt.Fprintf(&sb, "Trusted hosts: %s\n", getString(m, "trustedHosts"))
	fmt.Fprintf(&sb, "Blocked addresses: %s\n", getString(m, "blockedAddresses"))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRecentDecisions lists recent decisions.
func (h *Handlers) HandleRecentDecisions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host := call.HostOf(req.GetString("host", ""))
	limit := req.GetInt("limit", 20)

	raw, err := h.client.Decisions(ctx, host, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list decisions: %v", err)), nil
	}

	var resp struct {
		Decisions []map[string]any `json:"decisions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decisions: %v", err)), nil
	}
	if len(resp.Decisions) == 0 {
		return mcp.NewToolResultText("No decisions recorded."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d decision(s):\n\n", len(resp.Decisions))
	for i, d := range resp.Decisions {
		outcome := "REJECTED"
		if b, _ := d["allow"].(bool); b {
			outcome = "ALLOWED"
		}
		fmt.Fprintf(&sb, "%d. %s %s on %s [%s] by %s\n", i+1,
			outcome, getString(d, "method"), getString(d, "host"), getString(d, "level"), getString(d, "source"))
		if r := getString(d, "reason"); r != "" {
			fmt.Fprintf(&sb, "   %s\n", r)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

// rawParams turns tool arguments back into JSON-RPC params. A JSON string
// holding an array is accepted too.
func rawParams(v any) ([]json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		var out []json.RawMessage
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("params must be a JSON array")
		}
		return out, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("params must be an array")
	}
	out := make([]json.RawMessage, len(items))
	for i, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func formatAnalysis(c call.Call, a *analysis.Analysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s, score %d): %s\n", a.Recommendation, a.Level, a.Score, a.Explanation.Title)
	if a.Explanation.WhatItDoes != "" {
		fmt.Fprintf(&sb, "%s\n", a.Explanation.WhatItDoes)
	}
	fmt.Fprintf(&sb, "\nSite: %s (%s)\n", c.Host, a.Trust.Status)
	fmt.Fprintf(&sb, "Verification: %s\n", a.Verification)
	if a.HardBlock {
		sb.WriteString("Hard block: this call cannot be approved.\n")
	} else if a.RequiresOverride {
		sb.WriteString("Approving requires an explicit risk acknowledgement.\n")
	}
	writeList(&sb, "Risks", a.Explanation.Risks)
	writeList(&sb, "Good signs", a.Explanation.SafeNotes)
	writeList(&sb, "Next steps", a.Explanation.NextSteps)
	return sb.String()
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(sb, "  - %s\n", it)
	}
}

func formatTrust(raw json.RawMessage) (string, error) {
	var resp struct {
		Host      string                `json:"host"`
		Trust     analysis.TrustVerdict `json:"trust"`
		BlockedBy []string              `json:"blockedBy"`
		TrustedBy []string              `json:"trustedBy"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s (score %d)\n", resp.Host, resp.Trust.Status, resp.Trust.Score)
	if resp.Trust.DisplayHost != "" && resp.Trust.DisplayHost != resp.Host {
		fmt.Fprintf(&sb, "Displays as: %s\n", resp.Trust.DisplayHost)
	}
	if len(resp.BlockedBy) > 0 {
		fmt.Fprintf(&sb, "KNOWN MALICIOUS per: %s\n", strings.Join(resp.BlockedBy, ", "))
	}
	if len(resp.TrustedBy) > 0 {
		fmt.Fprintf(&sb, "Verified by: %s\n", strings.Join(resp.TrustedBy, ", "))
	}
	writeList(&sb, "Reasons", resp.Trust.Reasons)
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a numeric value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case string:
				var f float64
				if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
					return f, true
				}
			}
		}
	}
	return 0, false
}
