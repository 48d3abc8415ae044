package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/walletgate/internal/call"
)

// MaxUint160 is the Permit2 "unlimited" amount.
var MaxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))

// TypedData is the EIP-712 envelope as the engine reads it.
type TypedData struct {
	PrimaryType string                     `json:"primaryType"`
	Domain      map[string]json.RawMessage `json:"domain"`
	Message     map[string]json.RawMessage `json:"message"`
}

// DomainName returns domain.name, or "".
func (td *TypedData) DomainName() string {
	return rawString(td.Domain["name"])
}

// VerifyingContract returns domain.verifyingContract, lowercased.
func (td *TypedData) VerifyingContract() string {
	return lowerAddr(rawString(td.Domain["verifyingContract"]))
}

// ParseTypedData finds the typed-data payload among the call params.
// v3/v4 send [address, data]; legacy v1 sends [data, address]. The
// payload itself may be a JSON object or a JSON string holding one.
func ParseTypedData(c call.Call) (*TypedData, bool) {
	for i := 0; i < len(c.Params); i++ {
		raw := c.Params[i]
		if s, ok := paramString(c, i); ok {
			if common.IsHexAddress(s) {
				continue
			}
			raw = json.RawMessage(s)
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var td TypedData
		if err := json.Unmarshal(raw, &td); err != nil {
			continue
		}
		if td.PrimaryType == "" && td.Message == nil {
			continue
		}
		return &td, true
	}
	return nil, false
}

// DecodeTypedPermit recognizes EIP-2612 Permit and Uniswap Permit2
// messages. Any other primary type yields ActionUnknown.
func DecodeTypedPermit(td *TypedData) DecodedAction {
	act := DecodedAction{Kind: ActionUnknown, Token: td.VerifyingContract()}
	switch td.PrimaryType {
	case "Permit":
		value, ok := rawUint(td.Message["value"])
		if !ok {
			return act
		}
		act.Kind = ActionPermit
		act.Owner = lowerAddr(rawString(td.Message["owner"]))
		act.Spender = lowerAddr(rawString(td.Message["spender"]))
		act.Amount = value
		act.Unlimited = IsUnlimited(value)
		act.Deadline, _ = rawUint(td.Message["deadline"])
	case "PermitSingle", "PermitTransferFrom":
		details := td.Message["details"]
		if details == nil {
			details = td.Message["permitted"]
		}
		var d map[string]json.RawMessage
		if err := json.Unmarshal(details, &d); err != nil {
			return act
		}
		amount, ok := rawUint(d["amount"])
		if !ok {
			return act
		}
		act.Kind = ActionPermit
		act.Token = lowerAddr(rawString(d["token"]))
		act.Spender = lowerAddr(rawString(td.Message["spender"]))
		act.Amount = amount
		act.Unlimited = IsUnlimited(amount) || amount.Cmp(MaxUint160) == 0
		act.Deadline, _ = rawUint(td.Message["sigDeadline"])
		if act.Deadline == nil {
			act.Deadline, _ = rawUint(td.Message["deadline"])
		}
	case "PermitBatch":
		var list []map[string]json.RawMessage
		if err := json.Unmarshal(td.Message["details"], &list); err != nil || len(list) == 0 {
			return act
		}
		act.Kind = ActionPermit
		act.Spender = lowerAddr(rawString(td.Message["spender"]))
		act.Amount = new(big.Int)
		for _, d := range list {
			amount, ok := rawUint(d["amount"])
			if !ok {
				return DecodedAction{Kind: ActionUnknown, Token: act.Token}
			}
			if IsUnlimited(amount) || amount.Cmp(MaxUint160) == 0 {
				act.Unlimited = true
			}
			act.Amount.Add(act.Amount, amount)
		}
		act.Deadline, _ = rawUint(td.Message["sigDeadline"])
	}
	return act
}

func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// rawUint accepts a JSON number or a decimal/hex string.
func rawUint(raw json.RawMessage) (*big.Int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, false
		}
		s = n.String()
	}
	v, ok := ParseQuantity(s)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// typedDataSummary is a short label used in explanations.
func typedDataSummary(td *TypedData) string {
	name := td.DomainName()
	if name == "" {
		return td.PrimaryType
	}
	return fmt.Sprintf("%s (%s)", td.PrimaryType, name)
}
