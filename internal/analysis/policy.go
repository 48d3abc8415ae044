package analysis

import (
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/settings"
)

// verdict is the mutable working state of one analysis.
type verdict struct {
	score    int
	rec      Recommendation
	reasons  []string
	override bool
	hard     bool
}

func (v *verdict) set(score int, rec Recommendation, reason string) {
	v.score = score
	v.rec = rec
	if reason != "" {
		v.reasons = append(v.reasons, reason)
	}
}

// raise moves the verdict up to at least score/rec, never down.
func (v *verdict) raise(score int, rec Recommendation, reason string) {
	if score > v.score {
		v.score = score
	}
	if rank(rec) > rank(v.rec) {
		v.rec = rec
	}
	if reason != "" {
		v.reasons = append(v.reasons, reason)
	}
}

func rank(r Recommendation) int {
	switch r {
	case RecommendAllow:
		return 0
	case RecommendWarn:
		return 1
	case RecommendHigh:
		return 2
	case RecommendBlock:
		return 3
	default:
		return 1
	}
}

// Policy reasons.
const (
	reasonUnlimitedApproval = "Grants unlimited spending of a token"
	reasonApproveAll        = "Grants control over every NFT in a collection"
	reasonLimitedApproval   = "Grants permission to spend a token"
	reasonRevoke            = "Removes a previously granted permission"
	reasonTransfer          = "Sends tokens from your wallet"
	reasonTransferFrom      = "Moves tokens on behalf of an address"
	reasonUnlimitedPermit   = "Signs an unlimited token permit"
	reasonPermit            = "Signs a token permit usable without another prompt"
	reasonOpaqueCall        = "Calls a contract function that could not be decoded"
	reasonValueTransfer     = "Sends native currency"
	reasonSignature         = "Signature requests can authorize actions elsewhere"
	reasonBlindSign         = "Signs a raw hash that cannot be inspected"
	reasonTypedSignature    = "Typed-data signatures can authorize off-chain orders or permits"
	reasonChainSwitch       = "Changes the network your wallet is using"
	reasonChainAdd          = "Adds a new network to your wallet"
	reasonWatchAsset        = "Adds a token to your wallet display"
	reasonConnect           = "Shares your wallet address with the site"
	reasonPermissions       = "Requests wallet permissions"
	reasonSuspiciousSite    = "The requesting site looks suspicious"
	reasonUnknownMethod     = "Unrecognized wallet request"
	reasonBlockHighRisk     = "High-risk requests are blocked by your settings"
)

// applyPolicy sets the base verdict for the category and decoded action.
func applyPolicy(v *verdict, c call.Call, cat Category, act DecodedAction, value bool, trust TrustVerdict, s settings.Snapshot) {
	highRec := RecommendWarn
	if s.BlockHighRisk {
		highRec = RecommendBlock
	}

	switch cat {
	case CategoryConnect:
		v.set(trustScaled(trust, 10, 45), trustRec(trust), reasonConnect)
	case CategoryPermissionRequest:
		v.set(trustScaled(trust, 15, 45), trustRec(trust), reasonPermissions)
	case CategoryChainSwitch:
		v.set(45, RecommendWarn, reasonChainSwitch)
	case CategoryChainAdd:
		v.set(50, RecommendWarn, reasonChainAdd)
	case CategoryWatchAsset:
		v.set(45, RecommendWarn, reasonWatchAsset)
	case CategorySignMessage:
		if c.Method == call.MethodEthSign {
			v.set(65, RecommendWarn, reasonBlindSign)
		} else {
			v.set(50, RecommendWarn, reasonSignature)
		}
	case CategorySignTypedData:
		switch {
		case act.Kind == ActionPermit && act.Unlimited:
			v.set(85, highRec, reasonUnlimitedPermit)
		case act.Kind == ActionPermit:
			v.set(60, RecommendWarn, reasonPermit)
		default:
			v.set(55, RecommendWarn, reasonTypedSignature)
		}
		if s.RequireOverrideTypedSig {
			v.override = true
		}
	case CategorySendTransaction:
		txPolicy(v, act, value, trust, highRec)
	default:
		v.set(50, RecommendWarn, reasonUnknownMethod)
	}

	if v.rec == RecommendBlock && s.BlockHighRisk {
		v.reasons = append(v.reasons, reasonBlockHighRisk)
	}

	if trust.Status == TrustSuspicious && (cat.StateChanging() || cat == CategoryConnect || cat == CategoryPermissionRequest) {
		v.raise(80, RecommendHigh, reasonSuspiciousSite)
	}
}

func txPolicy(v *verdict, act DecodedAction, value bool, trust TrustVerdict, highRec Recommendation) {
	switch act.Kind {
	case ActionApprove:
		switch {
		case act.Unlimited:
			v.set(85, highRec, reasonUnlimitedApproval)
		case act.Amount != nil && act.Amount.Sign() == 0:
			v.set(15, RecommendAllow, reasonRevoke)
		default:
			v.set(55, RecommendWarn, reasonLimitedApproval)
		}
	case ActionSetApprovalForAll:
		if act.Approved {
			v.set(85, highRec, reasonApproveAll)
		} else {
			v.set(15, RecommendAllow, reasonRevoke)
		}
	case ActionPermit:
		if act.Unlimited {
			v.set(85, highRec, reasonUnlimitedPermit)
		} else {
			v.set(55, RecommendWarn, reasonPermit)
		}
	case ActionTransfer:
		v.set(trustScaled(trust, 25, 45), trustRec(trust), reasonTransfer)
	case ActionTransferFrom:
		v.set(55, RecommendWarn, reasonTransferFrom)
	case ActionUnknown:
		v.set(50, RecommendWarn, reasonOpaqueCall)
	default:
		reason := ""
		if value {
			reason = reasonValueTransfer
		}
		v.set(trustScaled(trust, 20, 45), trustRec(trust), reason)
	}
}

// trustScaled picks the official or the unknown score by trust status.
// Suspicious hosts are escalated separately.
func trustScaled(t TrustVerdict, official, other int) int {
	if t.Status == TrustLikelyOfficial {
		return official
	}
	return other
}

func trustRec(t TrustVerdict) Recommendation {
	if t.Status == TrustLikelyOfficial {
		return RecommendAllow
	}
	return RecommendWarn
}
