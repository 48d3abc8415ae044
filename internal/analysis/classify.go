package analysis

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mbd888/walletgate/internal/call"
)

var methodCategories = map[string]Category{
	call.MethodRequestAccounts:    CategoryConnect,
	call.MethodEnable:             CategoryConnect,
	call.MethodRequestPermissions: CategoryPermissionRequest,
	call.MethodSwitchChain:        CategoryChainSwitch,
	call.MethodAddChain:           CategoryChainAdd,
	call.MethodWatchAsset:         CategoryWatchAsset,
	call.MethodPersonalSign:       CategorySignMessage,
	call.MethodEthSign:            CategorySignMessage,
	call.MethodSignTypedData:      CategorySignTypedData,
	call.MethodSignTypedDataV1:    CategorySignTypedData,
	call.MethodSignTypedDataV3:    CategorySignTypedData,
	call.MethodSignTypedDataV4:    CategorySignTypedData,
	call.MethodSendTransaction:    CategorySendTransaction,
}

// Classify maps a call to its category. Unrecognized method names fall
// back to sniffing the first param: an object with a "to" and either
// "data" or "value" is treated as a transaction.
func Classify(c call.Call) Category {
	if cat, ok := methodCategories[c.Method]; ok {
		return cat
	}
	if looksLikeTransaction(c.Param(0)) {
		return CategorySendTransaction
	}
	return CategoryUnknown
}

// TxParams is the subset of a transaction object the engine reads.
type TxParams struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Value   string `json:"value"`
	Data    string `json:"data"`
	Input   string `json:"input"`
	ChainID string `json:"chainId"`
}

// Calldata returns data, or input when data is empty.
func (p TxParams) Calldata() string {
	if p.Data != "" {
		return p.Data
	}
	return p.Input
}

// ParseTx reads the transaction object from the first param.
func ParseTx(c call.Call) (TxParams, bool) {
	var p TxParams
	raw := bytes.TrimSpace(c.Param(0))
	if len(raw) == 0 || raw[0] != '{' {
		return p, false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, false
	}
	return p, true
}

func looksLikeTransaction(raw json.RawMessage) bool {
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	if _, ok := obj["to"]; !ok {
		return false
	}
	_, hasData := obj["data"]
	_, hasInput := obj["input"]
	_, hasValue := obj["value"]
	return hasData || hasInput || hasValue
}

// paramString returns the i-th param when it is a JSON string.
func paramString(c call.Call, i int) (string, bool) {
	raw := c.Param(i)
	if raw == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// TargetChain returns the chain id a switch/add call asks for.
func TargetChain(c call.Call) string {
	var p struct {
		ChainID   string `json:"chainId"`
		ChainName string `json:"chainName"`
	}
	raw := c.Param(0)
	if raw == nil || json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return strings.ToLower(p.ChainID)
}

// chainName returns the display name of an add-chain request.
func chainName(c call.Call) string {
	var p struct {
		ChainName string `json:"chainName"`
	}
	raw := c.Param(0)
	if raw == nil || json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.ChainName
}

// watchAssetParams reads wallet_watchAsset. Its params are an object, which
// normalization keeps as the only param.
func watchAssetParams(c call.Call) (symbol, address string) {
	type opts struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	}
	var p struct {
		Type    string `json:"type"`
		Options opts   `json:"options"`
	}
	raw := c.Param(0)
	if raw == nil {
		return "", ""
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", ""
	}
	return p.Options.Symbol, p.Options.Address
}
