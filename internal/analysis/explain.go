package analysis

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/mbd888/walletgate/internal/validation"
)

// messageSet is the fixed text for one kind of request. Values from the
// page are only ever substituted into %s slots after sanitizing.
type messageSet struct {
	title     string
	what      string
	risks     []string
	safeNotes []string
	nextSteps []string
}

var (
	msgConnect = messageSet{
		title: "Connect wallet",
		what:  "%s wants to see your wallet address and account balances.",
		risks: []string{"Connecting does not move funds, but lets the site prompt you for further requests."},
		nextSteps: []string{
			"Only connect to sites you opened yourself.",
		},
	}
	msgPermissions = messageSet{
		title:     "Wallet permissions",
		what:      "%s is asking for ongoing permissions on your wallet.",
		risks:     []string{"Granted permissions persist until you revoke them in your wallet."},
		nextSteps: []string{"Review which permissions are requested before continuing."},
	}
	msgChainSwitch = messageSet{
		title:     "Switch network",
		what:      "%s wants to switch your wallet to network %s.",
		risks:     []string{"Signing on the wrong network can send funds somewhere you do not expect."},
		nextSteps: []string{"Check that the network matches what the site needs."},
	}
	msgChainAdd = messageSet{
		title:     "Add network",
		what:      "%s wants to add the network %s to your wallet.",
		risks:     []string{"A malicious network can report fake balances and transaction results."},
		nextSteps: []string{"Only add networks from official documentation."},
	}
	msgWatchAsset = messageSet{
		title:     "Add token",
		what:      "%s wants to add the token %s to your wallet display.",
		risks:     []string{"Fake tokens can imitate real ones to lure you into scam sites."},
		nextSteps: []string{"Verify the token contract on a block explorer."},
	}
	msgSign = messageSet{
		title:     "Sign message",
		what:      "%s wants you to sign a message.",
		risks:     []string{"Some messages authorize logins or actions on other services."},
		nextSteps: []string{"Read the message and sign only if you understand it."},
	}
	msgBlindSign = messageSet{
		title:     "Sign raw hash",
		what:      "%s wants you to sign an opaque hash with eth_sign.",
		risks:     []string{"A raw hash can be a transaction in disguise; its content cannot be shown."},
		nextSteps: []string{"Reject unless you fully trust the site and know why it needs this."},
	}
	msgTyped = messageSet{
		title:     "Sign typed data",
		what:      "%s wants you to sign structured data: %s.",
		risks:     []string{"Typed signatures can create orders or permits that execute without another prompt."},
		nextSteps: []string{"Check every field of the message before signing."},
	}
	msgPermit = messageSet{
		title:     "Sign token permit",
		what:      "%s wants a signature letting %s spend %s of token %s.",
		risks:     []string{"A permit is an approval that needs no transaction; it can be used at any time before it expires."},
		nextSteps: []string{"Only sign permits for the exact app and amount you intend."},
	}
	msgApprove = messageSet{
		title:     "Token approval",
		what:      "%s asks you to let %s spend %s of token %s.",
		risks:     []string{"An approval stays active after you leave the site."},
		nextSteps: []string{"Approve only the amount you need.", "Revoke unused approvals regularly."},
	}
	msgApproveAll = messageSet{
		title:     "Approve whole collection",
		what:      "%s asks you to let %s move every NFT you own in collection %s.",
		risks:     []string{"Drainers use this to take entire collections in one transaction."},
		nextSteps: []string{"Marketplaces you already use may legitimately ask this; anyone else should not."},
	}
	msgRevoke = messageSet{
		title:     "Revoke permission",
		what:      "%s asks you to remove a permission for %s on token %s.",
		safeNotes: []string{"Revoking a permission reduces what others can do with your tokens."},
	}
	msgTransfer = messageSet{
		title:     "Token transfer",
		what:      "%s asks you to send %s of token %s to %s.",
		risks:     []string{"Transfers cannot be reversed."},
		nextSteps: []string{"Double-check the recipient address."},
	}
	msgTransferFrom = messageSet{
		title:     "Move tokens",
		what:      "%s asks you to move %s of token %s from %s to %s.",
		risks:     []string{"This moves tokens that an approval already covers."},
		nextSteps: []string{"Make sure the source address is one you control."},
	}
	msgContract = messageSet{
		title:     "Contract interaction",
		what:      "%s asks you to call contract %s with function %s.",
		risks:     []string{"The function could not be decoded, so its effect is unknown."},
		nextSteps: []string{"Use a simulator or block explorer to check what the call does."},
	}
	msgSend = messageSet{
		title:     "Send transaction",
		what:      "%s asks you to send %s to %s.",
		risks:     []string{"Transactions cannot be reversed."},
		nextSteps: []string{"Double-check the recipient and amount."},
	}
	msgUnknown = messageSet{
		title:     "Wallet request",
		what:      "%s sent a wallet request (%s) that is not recognized.",
		risks:     []string{"Its effect could not be determined."},
		nextSteps: []string{"Reject unless you know why the site needs it."},
	}
)

// Shared lines appended by circumstance.
const (
	noteKnownPhishing   = "This site is reported as phishing by: %s."
	noteUserDenied      = "You blocked this site."
	noteBlockedAddress  = "The receiving address is reported as malicious by: %s."
	noteSuspicious      = "The site address looks like an imitation."
	noteOfficial        = "The site is on the verified list."
	noteIntelStale      = "Threat lists are out of date; checks are incomplete."
	noteFollowsSwitch   = "This follows a network switch requested by the same site moments ago."
	noteNativeValue     = "Also sends %s."
	noteNativeUSD       = "Roughly $%.2f at current prices."
	noteUnlimitedAmount = "unlimited"
	noteNoDeadline      = "The permit has no practical expiry."
	stepDoNotProceed    = "Do not continue. Close the site."
	stepOverride        = "Continuing requires acknowledging the risk and waiting for a short countdown."
)

type explainInput struct {
	call     string
	cat      Category
	act      DecodedAction
	site     string
	chain    string
	chainNm  string
	symbol   string
	assetAdr string
	typed    string
	to       string
	value    *big.Int
	usd      float64
}

func (e explainInput) set() (messageSet, []any) {
	amount := formatAmount(e.act)
	token := validation.ShortAddress(e.act.Token)
	switch e.cat {
	case CategoryConnect:
		return msgConnect, []any{e.site}
	case CategoryPermissionRequest:
		return msgPermissions, []any{e.site}
	case CategoryChainSwitch:
		return msgChainSwitch, []any{e.site, orUnknown(e.chain)}
	case CategoryChainAdd:
		name := e.chainNm
		if name == "" {
			name = e.chain
		}
		return msgChainAdd, []any{e.site, orUnknown(name)}
	case CategoryWatchAsset:
		label := e.symbol
		if e.assetAdr != "" {
			label = strings.TrimSpace(label + " " + validation.ShortAddress(e.assetAdr))
		}
		return msgWatchAsset, []any{e.site, orUnknown(label)}
	case CategorySignMessage:
		if e.call == "eth_sign" {
			return msgBlindSign, []any{e.site}
		}
		return msgSign, []any{e.site}
	case CategorySignTypedData:
		if e.act.Kind == ActionPermit {
			return msgPermit, []any{e.site, validation.ShortAddress(e.act.Spender), amount, token}
		}
		return msgTyped, []any{e.site, orUnknown(e.typed)}
	case CategorySendTransaction:
		switch e.act.Kind {
		case ActionApprove:
			if e.act.Amount != nil && e.act.Amount.Sign() == 0 {
				return msgRevoke, []any{e.site, validation.ShortAddress(e.act.Spender), token}
			}
			return msgApprove, []any{e.site, validation.ShortAddress(e.act.Spender), amount, token}
		case ActionSetApprovalForAll:
			if !e.act.Approved {
				return msgRevoke, []any{e.site, validation.ShortAddress(e.act.Operator), token}
			}
			return msgApproveAll, []any{e.site, validation.ShortAddress(e.act.Operator), token}
		case ActionPermit:
			return msgPermit, []any{e.site, validation.ShortAddress(e.act.Spender), amount, token}
		case ActionTransfer:
			return msgTransfer, []any{e.site, amount, token, validation.ShortAddress(e.act.To)}
		case ActionTransferFrom:
			return msgTransferFrom, []any{e.site, amount, token, validation.ShortAddress(e.act.From), validation.ShortAddress(e.act.To)}
		case ActionUnknown:
			return msgContract, []any{e.site, validation.ShortAddress(e.to), orUnknown(e.act.Selector)}
		default:
			return msgSend, []any{e.site, formatNative(e.value), validation.ShortAddress(e.to)}
		}
	default:
		return msgUnknown, []any{e.site, validation.SanitizeDisplay(e.call, 40)}
	}
}

// explain assembles the explanation bundle for a finished verdict.
func explain(in explainInput, a *Analysis) Explanation {
	set, args := in.set()
	ex := Explanation{
		Title:      set.title,
		WhatItDoes: fmt.Sprintf(set.what, args...),
		Risks:      append([]string(nil), set.risks...),
		SafeNotes:  append([]string(nil), set.safeNotes...),
		NextSteps:  append([]string(nil), set.nextSteps...),
	}

	if in.cat == CategorySendTransaction && in.act.Kind != ActionNone && in.value != nil && in.value.Sign() > 0 {
		ex.Risks = append(ex.Risks, fmt.Sprintf(noteNativeValue, formatNative(in.value)))
	}
	if in.usd > 0 && in.value != nil && in.value.Sign() > 0 {
		ex.SafeNotes = append(ex.SafeNotes, fmt.Sprintf(noteNativeUSD, in.usd))
	}
	if (in.act.Kind == ActionPermit) && in.act.Deadline != nil && in.act.Deadline.BitLen() > 40 {
		ex.Risks = append(ex.Risks, noteNoDeadline)
	}

	switch a.Trust.Status {
	case TrustLikelyOfficial:
		ex.SafeNotes = append(ex.SafeNotes, noteOfficial)
	case TrustSuspicious:
		if !a.Trust.KnownBad {
			ex.Risks = append([]string{noteSuspicious}, ex.Risks...)
		}
	}
	if a.Trust.KnownBad {
		if len(a.Trust.IntelSource) > 0 {
			ex.Risks = append([]string{fmt.Sprintf(noteKnownPhishing, strings.Join(a.Trust.IntelSource, ", "))}, ex.Risks...)
		} else {
			ex.Risks = append([]string{noteUserDenied}, ex.Risks...)
		}
	}
	if a.Verification != VerificationFull {
		ex.Risks = append(ex.Risks, noteIntelStale)
	}

	if a.HardBlock {
		ex.NextSteps = []string{stepDoNotProceed}
	} else if a.RequiresOverride {
		ex.NextSteps = append(ex.NextSteps, stepOverride)
	}
	return ex
}

func orUnknown(s string) string {
	s = validation.SanitizeDisplay(s, 60)
	if s == "" {
		return "(unknown)"
	}
	return s
}

// formatAmount renders a token amount in base units; decimals are unknown
// without an extra lookup.
func formatAmount(a DecodedAction) string {
	if a.Unlimited {
		return noteUnlimitedAmount
	}
	if a.Amount == nil {
		return "an unknown amount"
	}
	s := a.Amount.String()
	if len(s) > 24 {
		return s[:8] + "…(" + fmt.Sprint(len(s)) + " digits)"
	}
	return s + " base units"
}

var weiPerEther = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// formatNative renders wei as a decimal ether amount.
func formatNative(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "no native currency"
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther)
	s := f.Text('f', 6)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if s == "0" {
		s = "<0.000001"
	}
	return s + " ETH"
}
