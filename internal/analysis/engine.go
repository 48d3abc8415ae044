package analysis

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/intel"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/settings"
)

// Intel reasons.
const (
	reasonKnownPhishing   = "Reported as phishing by %s"
	reasonUserDenied      = "You blocked this site"
	reasonBlockedAddress  = "Sends value or control to an address reported by %s"
	reasonIntelTrusted    = "Listed as trusted by %s"
	reasonIntelStale      = "Threat lists are out of date"
	reasonFollowsSwitch   = "Follows a network switch from the same site"
	reasonAnalysisFailure = "The request could not be fully analyzed"
)

// Input is everything one analysis needs.
type Input struct {
	Call      call.Call
	Settings  settings.Snapshot
	Intel     *intel.Snapshot
	Flow      flow.Context
	NativeUSD float64 // USD price of one native unit; 0 when unknown
	Now       time.Time
}

// Engine runs the analysis pipeline. It holds only configuration, so one
// Engine may serve any number of goroutines. Tuning can be swapped while
// it runs; each analysis uses one consistent set.
type Engine struct {
	tuning atomic.Pointer[Tuning]
	logger *slog.Logger
}

// NewEngine creates an engine with the default tuning.
func NewEngine(logger *slog.Logger) *Engine {
	e := &Engine{logger: logging.Or(logger)}
	d := DefaultTuning()
	e.tuning.Store(&d)
	return e
}

// WithTuning overrides the scoring constants. Zero fields keep defaults.
func (e *Engine) WithTuning(t Tuning) *Engine {
	n := t.Normalize()
	e.tuning.Store(&n)
	return e
}

// Tuning returns the active constants.
func (e *Engine) Tuning() Tuning {
	return *e.tuning.Load()
}

// Analyze produces a verdict for in.Call. It never fails: a panic inside
// the pipeline is logged and converted into a conservative verdict.
func (e *Engine) Analyze(in Input) (out *Analysis) {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("analysis pipeline panic",
				"method", in.Call.Method,
				"host", in.Call.Host,
				"panic", fmt.Sprint(r),
			)
			out = e.fallback(in)
		}
	}()
	return e.analyze(in)
}

// Provisional is the cheap local verdict shown while the authoritative
// one is computed. It skips threat intel and flow context, and never
// recommends ALLOW so it cannot trigger an automatic decision.
func (e *Engine) Provisional(c call.Call, s settings.Snapshot, snap *intel.Snapshot) *Analysis {
	a := e.Analyze(Input{Call: c, Settings: s, Intel: snap, Now: time.Now()})
	a.Provisional = true
	if a.Recommendation == RecommendAllow {
		a.Recommendation = RecommendWarn
		e.normalize(e.Tuning(), a)
	}
	return a
}

func (e *Engine) analyze(in Input) *Analysis {
	t := e.Tuning()
	c := in.Call
	s := in.Settings.Effective()

	cat := Classify(c)

	var (
		act     DecodedAction
		tx      TxParams
		value   = new(big.Int)
		typed   *TypedData
		chainID = strings.ToLower(c.ChainID)
	)
	switch cat {
	case CategorySendTransaction:
		var ok bool
		if tx, ok = ParseTx(c); ok {
			act = Decode(tx.To, tx.Calldata())
		} else {
			act = DecodedAction{Kind: ActionUnknown}
		}
		if v, ok := ParseQuantity(tx.Value); ok {
			value = v
		}
		if tx.ChainID != "" {
			chainID = strings.ToLower(tx.ChainID)
		}
	case CategorySignTypedData:
		if td, ok := ParseTypedData(c); ok {
			typed = td
			act = DecodeTypedPermit(td)
		}
	case CategoryChainSwitch, CategoryChainAdd:
		chainID = TargetChain(c)
	}

	trust := AssessDomain(c.Host, s, t)

	v := &verdict{}
	applyPolicy(v, c, cat, act, value.Sign() > 0, trust, s)
	if v.override {
		v.reasons = append(v.reasons, "Your settings require confirmation for typed signatures")
	}

	// threat intel and user lists
	verification := verificationFor(in.Intel, in.Now, t.IntelMaxAge)
	if verification != VerificationFull {
		v.reasons = append(v.reasons, reasonIntelStale)
	}

	if s.UserDenied(c.Host) {
		trust.Status = TrustSuspicious
		trust.Score = 0
		trust.KnownBad = true
		trust.UserListed = true
		trust.Reasons = append(trust.Reasons, reasonUserDenied)
		v.raise(t.IntelBlockedScore, RecommendBlock, reasonUserDenied)
		v.hard = true
	}
	if srcs, ok := in.Intel.HostBlocked(c.Host); ok {
		trust.Status = TrustSuspicious
		trust.Score = 0
		trust.KnownBad = true
		trust.IntelSource = srcs
		r := fmt.Sprintf(reasonKnownPhishing, strings.Join(srcs, ", "))
		trust.Reasons = append(trust.Reasons, r)
		v.raise(t.IntelBlockedScore, RecommendBlock, r)
		if !s.AllowOverrideOnPhishing {
			v.hard = true
		}
	}
	targets := act.Counterparties()
	if cat == CategorySendTransaction && act.Kind == ActionNone && tx.To != "" {
		targets = append(targets, lowerAddr(tx.To))
	}
	var addrSources []string
	for _, addr := range targets {
		if srcs, ok := in.Intel.AddressBlocked(addr); ok {
			addrSources = srcs
			v.raise(t.IntelBlockedScore, RecommendBlock, fmt.Sprintf(reasonBlockedAddress, strings.Join(srcs, ", ")))
			if !s.AllowOverrideOnPhishing {
				v.hard = true
			}
			break
		}
	}
	if srcs, ok := in.Intel.HostTrusted(c.Host); ok && !trust.KnownBad {
		// lowers the score; the recommendation floor in normalize keeps a
		// WARN from turning into ALLOW
		v.score -= t.IntelTrustedDelta
		v.reasons = append(v.reasons, fmt.Sprintf(reasonIntelTrusted, strings.Join(srcs, ", ")))
	}

	if cat == CategorySendTransaction && in.Flow.FollowsChainSwitch {
		v.reasons = append(v.reasons, reasonFollowsSwitch)
	}

	a := &Analysis{
		Score:          v.score,
		Recommendation: v.rec,
		Reasons:        dedupe(append(v.reasons, trustReasons(trust)...)),
		Category:       cat,
		Action:         act,
		Trust:          trust,
		HardBlock:      v.hard,
		Verification:   verification,
		AnalyzedAt:     in.Now,
	}
	e.normalize(t, a)
	a.RequiresOverride = !a.HardBlock && (v.override || a.Level == LevelHigh ||
		a.Recommendation == RecommendHigh || a.Recommendation == RecommendBlock)

	sym, assetAddr := watchAssetParams(c)
	typedLabel := ""
	if typed != nil {
		typedLabel = typedDataSummary(typed)
	}
	ex := explainInput{
		call:     c.Method,
		cat:      cat,
		act:      act,
		site:     siteLabel(trust),
		chain:    chainID,
		chainNm:  chainName(c),
		symbol:   sym,
		assetAdr: assetAddr,
		typed:    typedLabel,
		to:       tx.To,
		value:    value,
	}
	if in.NativeUSD > 0 && value.Sign() > 0 {
		eth, _ := new(big.Float).SetInt(value).Float64()
		ex.usd = eth / 1e18 * in.NativeUSD
	}
	a.Explanation = explain(ex, a)
	if len(addrSources) > 0 {
		a.Explanation.Risks = append([]string{fmt.Sprintf(noteBlockedAddress, strings.Join(addrSources, ", "))}, a.Explanation.Risks...)
	}
	if cat == CategorySendTransaction && in.Flow.FollowsChainSwitch {
		a.Explanation.SafeNotes = append(a.Explanation.SafeNotes, noteFollowsSwitch)
	}
	return a
}

// normalize clamps the score and derives the level so that score, level
// and recommendation agree.
func (e *Engine) normalize(t Tuning, a *Analysis) {
	if a.HardBlock {
		a.Recommendation = RecommendBlock
	}
	switch a.Recommendation {
	case RecommendHigh, RecommendBlock:
		if a.Score < t.HighFloor {
			a.Score = t.HighFloor
		}
	case RecommendWarn:
		if a.Score < t.WarnFloor {
			a.Score = t.WarnFloor
		}
	case RecommendAllow:
		if a.Score >= t.WarnFloor {
			a.Score = t.WarnFloor - 1
		}
	default:
		a.Recommendation = RecommendWarn
		if a.Score < t.WarnFloor {
			a.Score = t.WarnFloor
		}
	}
	if a.Score > 100 {
		a.Score = 100
	}
	if a.Score < 0 {
		a.Score = 0
	}
	a.Level = t.levelFor(a.Score)
}

func (e *Engine) fallback(in Input) *Analysis {
	t := e.Tuning()
	cat := CategoryUnknown
	func() {
		defer func() { _ = recover() }()
		cat = Classify(in.Call)
	}()
	a := &Analysis{
		Score:            t.HighFloor,
		Recommendation:   RecommendHigh,
		Reasons:          []string{reasonAnalysisFailure},
		Category:         cat,
		Action:           DecodedAction{Kind: ActionUnknown},
		Trust:            TrustVerdict{Status: TrustUnknown, Score: t.UnknownScore, DisplayHost: in.Call.Host},
		Verification:     VerificationNone,
		RequiresOverride: true,
		AnalyzedAt:       in.Now,
	}
	e.normalize(t, a)
	a.Explanation = Explanation{
		Title:      msgUnknown.title,
		WhatItDoes: fmt.Sprintf(msgUnknown.what, orUnknown(in.Call.Host), orUnknown(in.Call.Method)),
		Risks:      []string{reasonAnalysisFailure + "."},
		NextSteps:  []string{"Reject unless you know exactly what this request does."},
	}
	return a
}

func verificationFor(snap *intel.Snapshot, now time.Time, maxAge time.Duration) Verification {
	age := snap.Age(now)
	switch {
	case age < 0:
		return VerificationNone
	case age > maxAge:
		return VerificationPartial
	default:
		return VerificationFull
	}
}

func trustReasons(t TrustVerdict) []string {
	if t.Status == TrustUnknown {
		return nil
	}
	return t.Reasons
}

func siteLabel(t TrustVerdict) string {
	if t.DisplayHost == "" {
		return "This page"
	}
	return orUnknown(t.DisplayHost)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
