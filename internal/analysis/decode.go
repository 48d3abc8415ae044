package analysis

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const wordSize = 32

// Function signatures the decoder understands.
const (
	SigApprove           = "approve(address,uint256)"
	SigTransfer          = "transfer(address,uint256)"
	SigTransferFrom      = "transferFrom(address,address,uint256)"
	SigSetApprovalForAll = "setApprovalForAll(address,bool)"
	SigPermit            = "permit(address,address,uint256,uint256,uint8,bytes32,bytes32)"
)

var (
	selApprove           = selector(SigApprove)
	selTransfer          = selector(SigTransfer)
	selTransferFrom      = selector(SigTransferFrom)
	selSetApprovalForAll = selector(SigSetApprovalForAll)
	selPermit            = selector(SigPermit)
)

// MaxUint256 is 2^256-1, the conventional "unlimited" allowance.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func selector(sig string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(sig))[:4])
}

// Decode inspects transaction calldata sent to token. Empty calldata
// decodes to ActionNone; anything malformed or unrecognized decodes to
// ActionUnknown with the selector kept when one is present.
func Decode(token, data string) DecodedAction {
	data = strings.TrimSpace(data)
	if data == "" || data == "0x" {
		return DecodedAction{Kind: ActionNone}
	}
	raw, err := decodeHex(data)
	if err != nil || len(raw) < 4 {
		return DecodedAction{Kind: ActionUnknown}
	}

	sel := hexutil.Encode(raw[:4])
	args := raw[4:]
	act := DecodedAction{Kind: ActionUnknown, Selector: sel, Token: lowerAddr(token)}

	switch sel {
	case selApprove:
		spender, ok1 := wordAddress(args, 0)
		amount, ok2 := wordUint(args, 1)
		if !ok1 || !ok2 {
			return act
		}
		act.Kind = ActionApprove
		act.Spender = spender
		act.Amount = amount
		act.Unlimited = IsUnlimited(amount)
	case selTransfer:
		to, ok1 := wordAddress(args, 0)
		amount, ok2 := wordUint(args, 1)
		if !ok1 || !ok2 {
			return act
		}
		act.Kind = ActionTransfer
		act.To = to
		act.Amount = amount
	case selTransferFrom:
		from, ok1 := wordAddress(args, 0)
		to, ok2 := wordAddress(args, 1)
		amount, ok3 := wordUint(args, 2)
		if !ok1 || !ok2 || !ok3 {
			return act
		}
		act.Kind = ActionTransferFrom
		act.From = from
		act.To = to
		act.Amount = amount
	case selSetApprovalForAll:
		operator, ok1 := wordAddress(args, 0)
		approved, ok2 := wordBool(args, 1)
		if !ok1 || !ok2 {
			return act
		}
		act.Kind = ActionSetApprovalForAll
		act.Operator = operator
		act.Approved = approved
	case selPermit:
		owner, ok1 := wordAddress(args, 0)
		spender, ok2 := wordAddress(args, 1)
		value, ok3 := wordUint(args, 2)
		deadline, ok4 := wordUint(args, 3)
		if !ok1 || !ok2 || !ok3 || !ok4 || len(args) < 7*wordSize {
			return act
		}
		act.Kind = ActionPermit
		act.Owner = owner
		act.Spender = spender
		act.Amount = value
		act.Deadline = deadline
		act.Unlimited = IsUnlimited(value)
	}
	return act
}

// IsUnlimited reports whether amount equals 2^256-1 exactly.
func IsUnlimited(amount *big.Int) bool {
	return amount != nil && amount.Cmp(MaxUint256) == 0
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

func word(args []byte, i int) ([]byte, bool) {
	start := i * wordSize
	if start+wordSize > len(args) {
		return nil, false
	}
	return args[start : start+wordSize], true
}

// wordAddress requires the 12 high bytes to be zero.
func wordAddress(args []byte, i int) (string, bool) {
	w, ok := word(args, i)
	if !ok {
		return "", false
	}
	for _, b := range w[:12] {
		if b != 0 {
			return "", false
		}
	}
	return strings.ToLower(common.BytesToAddress(w[12:]).Hex()), true
}

func wordUint(args []byte, i int) (*big.Int, bool) {
	w, ok := word(args, i)
	if !ok {
		return nil, false
	}
	return new(big.Int).SetBytes(w), true
}

// wordBool accepts only canonical 0 or 1.
func wordBool(args []byte, i int) (bool, bool) {
	v, ok := wordUint(args, i)
	if !ok {
		return false, false
	}
	switch {
	case v.Sign() == 0:
		return false, true
	case v.Cmp(big.NewInt(1)) == 0:
		return true, true
	default:
		return false, false
	}
}

func lowerAddr(a string) string {
	a = strings.TrimSpace(a)
	if !common.IsHexAddress(a) {
		return strings.ToLower(a)
	}
	return strings.ToLower(common.HexToAddress(a).Hex())
}

// ParseQuantity parses a hex or decimal JSON-RPC quantity. Empty is zero.
func ParseQuantity(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), true
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		body := s[2:]
		if body == "" {
			return new(big.Int), true
		}
		v, ok := new(big.Int).SetString(body, 16)
		return v, ok
	}
	v, ok := new(big.Int).SetString(s, 10)
	return v, ok
}
