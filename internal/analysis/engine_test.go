package analysis

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/intel"
	"github.com/mbd888/walletgate/internal/settings"
)

func newCall(method, origin string, params ...string) call.Call {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		raw[i] = json.RawMessage(p)
	}
	return call.New(method, raw, call.ShapeRequest, origin)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func txCall(origin, to, data, value string) call.Call {
	tx, _ := json.Marshal(map[string]string{"from": owner, "to": to, "data": data, "value": value})
	return newCall(call.MethodSendTransaction, origin, string(tx))
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func freshIntel() *intel.Snapshot {
	return intel.NewBuilder().Build(now)
}

func analyze(t *testing.T, c call.Call, s settings.Snapshot, snap *intel.Snapshot) *Analysis {
	t.Helper()
	a := NewEngine(nil).Analyze(Input{Call: c, Settings: s, Intel: snap, Now: now})
	require.NotNil(t, a)
	assertConsistent(t, a)
	return a
}

func assertConsistent(t *testing.T, a *Analysis) {
	t.Helper()
	tuning := DefaultTuning()
	assert.GreaterOrEqual(t, a.Score, 0)
	assert.LessOrEqual(t, a.Score, 100)
	switch a.Recommendation {
	case RecommendHigh, RecommendBlock:
		assert.GreaterOrEqual(t, a.Score, tuning.HighFloor)
		assert.Equal(t, LevelHigh, a.Level)
	case RecommendAllow:
		assert.Equal(t, LevelLow, a.Level)
	}
	assert.NotEmpty(t, a.Explanation.Title)
	assert.NotEmpty(t, a.Explanation.WhatItDoes)
}

func unlimitedApprove(origin string) call.Call {
	return txCall(origin, token, "0x095ea7b3"+addrWord(spender)+maxWord, "0x0")
}

func TestUnlimitedApprovalBlockedByPolicy(t *testing.T) {
	a := analyze(t, unlimitedApprove("https://example.com"), settings.Defaults(), freshIntel())

	assert.Equal(t, CategorySendTransaction, a.Category)
	assert.Equal(t, ActionApprove, a.Action.Kind)
	assert.True(t, a.Action.Unlimited)
	assert.Equal(t, RecommendBlock, a.Recommendation)
	assert.Equal(t, LevelHigh, a.Level)
	assert.True(t, a.RequiresOverride)
	assert.False(t, a.HardBlock)
	assert.Contains(t, a.Reasons, reasonUnlimitedApproval)
	assert.Contains(t, a.Explanation.WhatItDoes, "unlimited")
	assert.Equal(t, VerificationFull, a.Verification)
}

func TestUnlimitedApprovalWarnWithoutPolicy(t *testing.T) {
	s := settings.Defaults()
	s.BlockHighRisk = false
	a := analyze(t, unlimitedApprove("https://example.com"), s, freshIntel())

	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.True(t, a.Action.Unlimited)
	assert.True(t, a.RequiresOverride)
}

func TestUnlimitedApprovalOnOfficialSiteStillBlocked(t *testing.T) {
	a := analyze(t, unlimitedApprove("https://app.uniswap.org"), settings.Defaults(), freshIntel())
	assert.Equal(t, TrustLikelyOfficial, a.Trust.Status)
	assert.Equal(t, RecommendBlock, a.Recommendation)
}

func TestApproveAll(t *testing.T) {
	c := txCall("https://example.com", token, "0xa22cb465"+addrWord(spender)+uintWord(bigOne()), "")
	a := analyze(t, c, settings.Defaults(), freshIntel())
	assert.Equal(t, ActionSetApprovalForAll, a.Action.Kind)
	assert.Equal(t, RecommendBlock, a.Recommendation)

	c = txCall("https://example.com", token, "0xa22cb465"+addrWord(spender)+uintWord(bigZero()), "")
	a = analyze(t, c, settings.Defaults(), freshIntel())
	assert.Equal(t, RecommendAllow, a.Recommendation)
	assert.Equal(t, msgRevoke.title, a.Explanation.Title)
}

func TestLimitedApprovalWarns(t *testing.T) {
	c := txCall("https://example.com", token, "0x095ea7b3"+addrWord(spender)+uintWord(bigInt(1000)), "")
	a := analyze(t, c, settings.Defaults(), freshIntel())
	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.Equal(t, LevelWarn, a.Level)
	assert.False(t, a.RequiresOverride)
}

func TestOpaqueCallIsUnknownAction(t *testing.T) {
	c := txCall("https://app.uniswap.org", spender, "0x3593564c"+addrWord(owner), "")
	a := analyze(t, c, settings.Defaults(), freshIntel())
	assert.Equal(t, ActionUnknown, a.Action.Kind)
	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.Contains(t, a.Explanation.WhatItDoes, "0x3593564c")
}

func TestPlainValueTransfer(t *testing.T) {
	c := txCall("https://app.uniswap.org", spender, "", "0xde0b6b3a7640000")
	in := Input{Call: c, Settings: settings.Defaults(), Intel: freshIntel(), NativeUSD: 2000, Now: now}
	a := NewEngine(nil).Analyze(in)
	assertConsistent(t, a)

	assert.Equal(t, ActionNone, a.Action.Kind)
	assert.Equal(t, RecommendAllow, a.Recommendation)
	assert.Contains(t, a.Explanation.WhatItDoes, "1 ETH")
	assert.Contains(t, a.Explanation.SafeNotes, "Roughly $2000.00 at current prices.")

	c = txCall("https://example.com", spender, "", "0xde0b6b3a7640000")
	a = analyze(t, c, settings.Defaults(), freshIntel())
	assert.Equal(t, RecommendWarn, a.Recommendation)
}

func TestConnect(t *testing.T) {
	a := analyze(t, newCall(call.MethodRequestAccounts, "https://app.uniswap.org"), settings.Defaults(), freshIntel())
	assert.Equal(t, CategoryConnect, a.Category)
	assert.Equal(t, RecommendAllow, a.Recommendation)
	assert.Contains(t, a.Explanation.SafeNotes, noteOfficial)

	a = analyze(t, newCall(call.MethodRequestAccounts, "https://example.com"), settings.Defaults(), freshIntel())
	assert.Equal(t, RecommendWarn, a.Recommendation)

	a = analyze(t, newCall(call.MethodRequestAccounts, "https://uniswaap.org"), settings.Defaults(), freshIntel())
	assert.Equal(t, TrustSuspicious, a.Trust.Status)
	assert.Equal(t, RecommendHigh, a.Recommendation)
	assert.True(t, a.RequiresOverride)
	assert.Equal(t, noteSuspicious, a.Explanation.Risks[0])
}

func TestSignaturesWarn(t *testing.T) {
	a := analyze(t, newCall(call.MethodPersonalSign, "https://app.uniswap.org", `"0x68656c6c6f"`, `"`+owner+`"`), settings.Defaults(), freshIntel())
	assert.Equal(t, CategorySignMessage, a.Category)
	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.False(t, a.RequiresOverride)

	a = analyze(t, newCall(call.MethodEthSign, "https://app.uniswap.org", `"`+owner+`"`, `"0x`+strings.Repeat("ab", 32)+`"`), settings.Defaults(), freshIntel())
	assert.Equal(t, msgBlindSign.title, a.Explanation.Title)

	strict := settings.Defaults()
	strict.Mode = settings.ModeStrict
	order := `{"primaryType":"Order","domain":{"name":"Seaport"},"message":{"offerer":"` + owner + `"}}`
	a = analyze(t, newCall(call.MethodSignTypedDataV4, "https://opensea.io", `"`+owner+`"`, order), settings.Defaults(), freshIntel())
	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.False(t, a.RequiresOverride)

	a = analyze(t, newCall(call.MethodSignTypedDataV4, "https://opensea.io", `"`+owner+`"`, order), strict, freshIntel())
	assert.True(t, a.RequiresOverride)
	assert.Contains(t, a.Explanation.NextSteps, stepOverride)
}

func TestTypedPermitUnlimited(t *testing.T) {
	raw := `{"primaryType":"Permit","domain":{"name":"USD Coin","verifyingContract":"` + token + `"},` +
		`"message":{"owner":"` + owner + `","spender":"` + spender + `","value":"` + MaxUint256.String() + `","nonce":"0","deadline":"1700000000"}}`
	a := analyze(t, newCall(call.MethodSignTypedDataV4, "https://example.com", `"`+owner+`"`, raw), settings.Defaults(), freshIntel())
	assert.Equal(t, CategorySignTypedData, a.Category)
	assert.Equal(t, ActionPermit, a.Action.Kind)
	assert.Equal(t, RecommendBlock, a.Recommendation)
	assert.Equal(t, msgPermit.title, a.Explanation.Title)
}

func TestChainChangesWarn(t *testing.T) {
	a := analyze(t, newCall(call.MethodSwitchChain, "https://app.uniswap.org", `{"chainId":"0x89"}`), settings.Defaults(), freshIntel())
	assert.Equal(t, CategoryChainSwitch, a.Category)
	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.Contains(t, a.Explanation.WhatItDoes, "0x89")

	a = analyze(t, newCall(call.MethodAddChain, "https://example.com", `{"chainId":"0x2a","chainName":"Eth\u202eereum"}`), settings.Defaults(), freshIntel())
	assert.Equal(t, CategoryChainAdd, a.Category)
	assert.NotContains(t, a.Explanation.WhatItDoes, "\u202e")
	assert.Contains(t, a.Explanation.WhatItDoes, "Ethereum")

	a = analyze(t, newCall(call.MethodWatchAsset, "https://example.com", `{"type":"ERC20","options":{"address":"`+token+`","symbol":"USDC"}}`), settings.Defaults(), freshIntel())
	assert.Equal(t, CategoryWatchAsset, a.Category)
	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.Contains(t, a.Explanation.WhatItDoes, "USDC")
}

func TestUnknownMethodNeverCrashes(t *testing.T) {
	for _, c := range []call.Call{
		newCall("eth_fancyNewThing", "https://example.com"),
		newCall("eth_fancyNewThing", "https://example.com", `"plain"`, `42`),
		newCall("", ""),
		{Method: "x", Params: []json.RawMessage{json.RawMessage(`{broken`)}},
	} {
		a := analyze(t, c, settings.Defaults(), nil)
		assert.Equal(t, CategoryUnknown, a.Category)
		assert.Equal(t, RecommendWarn, a.Recommendation)
	}
}

func TestShapeSniffedTransaction(t *testing.T) {
	tx := `{"to":"` + token + `","data":"0x095ea7b3` + addrWord(spender) + maxWord + `"}`
	a := analyze(t, newCall("eth_sendTransactionV2", "https://example.com", tx), settings.Defaults(), freshIntel())
	assert.Equal(t, CategorySendTransaction, a.Category)
	assert.True(t, a.Action.Unlimited)
}

func TestIntelBlockedHost(t *testing.T) {
	snap := intel.NewBuilder().BlockHost("evil.example", "phishfort").Build(now)
	a := analyze(t, newCall(call.MethodRequestAccounts, "https://app.evil.example"), settings.Defaults(), snap)

	assert.Equal(t, RecommendBlock, a.Recommendation)
	assert.True(t, a.HardBlock)
	assert.False(t, a.RequiresOverride)
	assert.GreaterOrEqual(t, a.Score, 95)
	assert.True(t, a.Trust.KnownBad)
	assert.Equal(t, []string{"phishfort"}, a.Trust.IntelSource)
	assert.Equal(t, "This site is reported as phishing by: phishfort.", a.Explanation.Risks[0])
	assert.Equal(t, []string{stepDoNotProceed}, a.Explanation.NextSteps)

	s := settings.Defaults()
	s.AllowOverrideOnPhishing = true
	a = analyze(t, newCall(call.MethodRequestAccounts, "https://app.evil.example"), s, snap)
	assert.Equal(t, RecommendBlock, a.Recommendation)
	assert.False(t, a.HardBlock)
	assert.True(t, a.RequiresOverride)
}

func TestIntelBlockedHostBeatsAllowlist(t *testing.T) {
	snap := intel.NewBuilder().BlockHost("uniswap.org", "feed").Build(now)
	a := analyze(t, newCall(call.MethodRequestAccounts, "https://app.uniswap.org"), settings.Defaults(), snap)
	assert.Equal(t, RecommendBlock, a.Recommendation)
	assert.Equal(t, TrustSuspicious, a.Trust.Status)
}

func TestIntelBlockedAddress(t *testing.T) {
	snap := intel.NewBuilder().BlockAddress(spender, "scamsniffer").Build(now)
	c := txCall("https://app.uniswap.org", token, "0xa9059cbb"+addrWord(spender)+uintWord(bigInt(5)), "")
	a := analyze(t, c, settings.Defaults(), snap)
	assert.Equal(t, RecommendBlock, a.Recommendation)
	assert.True(t, a.HardBlock)
	assert.Equal(t, "The receiving address is reported as malicious by: scamsniffer.", a.Explanation.Risks[0])

	// native send straight to the address
	c = txCall("https://app.uniswap.org", spender, "", "0x1")
	a = analyze(t, c, settings.Defaults(), snap)
	assert.Equal(t, RecommendBlock, a.Recommendation)
}

func TestUserDenied(t *testing.T) {
	s := settings.Defaults()
	s.UserDeny = []string{"uniswap.org"}
	a := analyze(t, newCall(call.MethodRequestAccounts, "https://app.uniswap.org"), s, freshIntel())
	assert.Equal(t, RecommendBlock, a.Recommendation)
	assert.True(t, a.HardBlock)
	assert.Equal(t, noteUserDenied, a.Explanation.Risks[0])
}

func TestIntelTrustedNeverForcesAllow(t *testing.T) {
	snap := intel.NewBuilder().TrustHost("example.com", "builtin").Build(now)
	a := analyze(t, newCall(call.MethodRequestAccounts, "https://example.com"), settings.Defaults(), snap)
	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.Equal(t, DefaultTuning().WarnFloor, a.Score)
}

func TestVerificationLevels(t *testing.T) {
	c := newCall(call.MethodRequestAccounts, "https://example.com")

	assert.Equal(t, VerificationNone, analyze(t, c, settings.Defaults(), nil).Verification)
	assert.Equal(t, VerificationNone, analyze(t, c, settings.Defaults(), intel.Empty()).Verification)

	stale := intel.NewBuilder().Build(now.Add(-72 * time.Hour))
	a := analyze(t, c, settings.Defaults(), stale)
	assert.Equal(t, VerificationPartial, a.Verification)
	assert.Contains(t, a.Reasons, reasonIntelStale)
	assert.Contains(t, a.Explanation.Risks, noteIntelStale)

	assert.Equal(t, VerificationFull, analyze(t, c, settings.Defaults(), freshIntel()).Verification)
}

func TestFollowsChainSwitch(t *testing.T) {
	c := txCall("https://app.uniswap.org", spender, "", "0x1")
	in := Input{
		Call:     c,
		Settings: settings.Defaults(),
		Intel:    freshIntel(),
		Flow:     flow.Context{FollowsChainSwitch: true, SwitchedToChain: "0x89"},
		Now:      now,
	}
	a := NewEngine(nil).Analyze(in)
	assert.Contains(t, a.Reasons, reasonFollowsSwitch)
	assert.Contains(t, a.Explanation.SafeNotes, noteFollowsSwitch)
}

func TestProvisionalNeverAllows(t *testing.T) {
	e := NewEngine(nil)
	a := e.Provisional(newCall(call.MethodRequestAccounts, "https://app.uniswap.org"), settings.Defaults(), nil)
	assert.True(t, a.Provisional)
	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.Equal(t, VerificationNone, a.Verification)
	assert.GreaterOrEqual(t, a.Score, DefaultTuning().WarnFloor)
	assertConsistent(t, a)

	a = e.Provisional(unlimitedApprove("https://example.com"), settings.Defaults(), nil)
	assert.Equal(t, RecommendBlock, a.Recommendation)
}

func TestFallbackIsConservative(t *testing.T) {
	e := NewEngine(nil)
	a := e.fallback(Input{Call: newCall(call.MethodSendTransaction, "https://example.com"), Now: now})
	assertConsistent(t, a)
	assert.Equal(t, RecommendHigh, a.Recommendation)
	assert.True(t, a.RequiresOverride)
	assert.Equal(t, CategorySendTransaction, a.Category)
	assert.Equal(t, []string{reasonAnalysisFailure}, a.Reasons)
}

func TestWithTuning(t *testing.T) {
	e := NewEngine(nil).WithTuning(Tuning{HighFloor: 80})
	assert.Equal(t, 80, e.Tuning().HighFloor)
	assert.Equal(t, 40, e.Tuning().WarnFloor)

	a := e.Analyze(Input{Call: unlimitedApprove("https://example.com"), Settings: settings.Defaults(), Now: now})
	assert.GreaterOrEqual(t, a.Score, 80)
}

func TestNormalize(t *testing.T) {
	e := NewEngine(nil)

	a := &Analysis{Score: 150, Recommendation: RecommendWarn}
	e.normalize(e.Tuning(), a)
	assert.Equal(t, 100, a.Score)

	a = &Analysis{Score: 90, Recommendation: RecommendAllow}
	e.normalize(e.Tuning(), a)
	assert.Equal(t, LevelLow, a.Level)
	assert.Less(t, a.Score, 40)

	a = &Analysis{Score: 10, Recommendation: RecommendHigh}
	e.normalize(e.Tuning(), a)
	assert.Equal(t, 70, a.Score)
	assert.Equal(t, LevelHigh, a.Level)

	a = &Analysis{Score: 10, Recommendation: RecommendAllow, HardBlock: true}
	e.normalize(e.Tuning(), a)
	assert.Equal(t, RecommendBlock, a.Recommendation)

	a = &Analysis{Score: -5, Recommendation: ""}
	e.normalize(e.Tuning(), a)
	assert.Equal(t, RecommendWarn, a.Recommendation)
	assert.Equal(t, 40, a.Score)
}

func TestTuningNormalizeKeepsOrdering(t *testing.T) {
	tn := Tuning{HighFloor: 30, WarnFloor: 50}.Normalize()
	assert.Equal(t, 70, tn.HighFloor)
	assert.Equal(t, 40, tn.WarnFloor)

	tn = Tuning{HighFloor: 120}.Normalize()
	assert.Equal(t, 70, tn.HighFloor)

	tn = Tuning{HighFloor: 85, WarnFloor: 50}.Normalize()
	assert.Equal(t, 85, tn.HighFloor)
	assert.Equal(t, 50, tn.WarnFloor)
}

func TestMalformedTransactionIsUnknownAction(t *testing.T) {
	for _, param := range []string{`"0x095ea7b3"`, `null`, `[1,2]`} {
		c := newCall(call.MethodSendTransaction, "https://app.uniswap.org", param)
		a := analyze(t, c, settings.Defaults(), freshIntel())
		assert.Equal(t, ActionUnknown, a.Action.Kind, param)
		assert.NotEqual(t, RecommendAllow, a.Recommendation, param)
	}

	a := analyze(t, newCall(call.MethodSendTransaction, "https://app.uniswap.org"), settings.Defaults(), freshIntel())
	assert.Equal(t, ActionUnknown, a.Action.Kind)
}

func TestProvisionalUsesIntel(t *testing.T) {
	e := NewEngine(nil)
	a := e.Provisional(newCall(call.MethodRequestAccounts, "https://uniswap-airdrop.net"), settings.Defaults(), intel.Seed())
	assert.True(t, a.Provisional)
	assert.True(t, a.HardBlock)
	assert.Equal(t, RecommendBlock, a.Recommendation)
}
