// Package analysis implements the risk analysis engine for gated wallet
// calls.
//
// Every call runs through the same pipeline: classify the method into a
// category, decode well-known token calldata, judge how trustworthy the
// requesting host looks, merge threat intelligence, apply the per-method
// policy, and finally attach a human explanation built from fixed message
// sets. The engine is a pure function of its Input; everything it needs
// (settings, intel, recent flow, a price hint) is passed in.
//
// Scores range from 0 (benign) to 100 (dangerous). A HIGH or BLOCK
// recommendation always carries a score of at least Tuning.HighFloor.
package analysis

import (
	"math/big"
	"time"
)

// Level is the coarse risk level shown to the user.
type Level string

const (
	LevelLow  Level = "LOW"
	LevelWarn Level = "WARN"
	LevelHigh Level = "HIGH"
)

// Recommendation is what the engine suggests the user do.
type Recommendation string

const (
	RecommendAllow Recommendation = "ALLOW"
	RecommendWarn  Recommendation = "WARN"
	RecommendHigh  Recommendation = "HIGH"
	RecommendBlock Recommendation = "BLOCK"
)

// Category groups methods that carry the same kind of risk.
type Category string

const (
	CategoryConnect           Category = "connect"
	CategoryPermissionRequest Category = "permission_request"
	CategoryChainSwitch       Category = "chain_switch"
	CategoryChainAdd          Category = "chain_add"
	CategoryWatchAsset        Category = "watch_asset"
	CategorySignMessage       Category = "sign_message"
	CategorySignTypedData     Category = "sign_typed_data"
	CategorySendTransaction   Category = "send_transaction"
	CategoryUnknown           Category = "unknown"
)

// StateChanging reports whether approving the category can move funds,
// grant allowances, or produce a signature usable elsewhere.
func (c Category) StateChanging() bool {
	switch c {
	case CategoryConnect, CategoryPermissionRequest:
		return false
	default:
		return true
	}
}

// IsChainChange reports chain switch and chain add.
func (c Category) IsChainChange() bool {
	return c == CategoryChainSwitch || c == CategoryChainAdd
}

// TrustStatus is the verdict on the requesting host.
type TrustStatus string

const (
	TrustLikelyOfficial TrustStatus = "LIKELY_OFFICIAL"
	TrustUnknown        TrustStatus = "UNKNOWN"
	TrustSuspicious     TrustStatus = "SUSPICIOUS"
)

// TrustVerdict describes how trustworthy a host looks.
type TrustVerdict struct {
	Status      TrustStatus `json:"status"`
	Score       int         `json:"score"`
	Reasons     []string    `json:"reasons,omitempty"`
	Registrable string      `json:"registrable,omitempty"`
	DisplayHost string      `json:"displayHost,omitempty"`
	UserListed  bool        `json:"userListed,omitempty"`
	KnownBad    bool        `json:"knownBad,omitempty"`
	IntelSource []string    `json:"intelSource,omitempty"`
}

// ActionKind names a decoded token operation.
type ActionKind string

const (
	ActionNone              ActionKind = ""
	ActionApprove           ActionKind = "approve"
	ActionTransfer          ActionKind = "transfer"
	ActionTransferFrom      ActionKind = "transferFrom"
	ActionSetApprovalForAll ActionKind = "setApprovalForAll"
	ActionPermit            ActionKind = "permit"
	ActionUnknown           ActionKind = "unknown"
)

// DecodedAction is what the calldata (or typed-data message) asks for.
// Address fields are lowercase 0x hex.
type DecodedAction struct {
	Kind      ActionKind `json:"kind,omitempty"`
	Selector  string     `json:"selector,omitempty"`
	Token     string     `json:"token,omitempty"`
	Owner     string     `json:"owner,omitempty"`
	Spender   string     `json:"spender,omitempty"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to,omitempty"`
	Operator  string     `json:"operator,omitempty"`
	Approved  bool       `json:"approved,omitempty"`
	Amount    *big.Int   `json:"amount,omitempty"`
	Unlimited bool       `json:"unlimited,omitempty"`
	Deadline  *big.Int   `json:"deadline,omitempty"`
}

// Counterparties returns every address the action hands control or
// value to.
func (a DecodedAction) Counterparties() []string {
	var out []string
	for _, s := range []string{a.Spender, a.Operator, a.To} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Explanation is the fixed-structure text bundle shown to the user.
type Explanation struct {
	Title      string   `json:"title"`
	WhatItDoes string   `json:"whatItDoes"`
	Risks      []string `json:"risks,omitempty"`
	SafeNotes  []string `json:"safeNotes,omitempty"`
	NextSteps  []string `json:"nextSteps,omitempty"`
}

// Verification reflects how complete the threat-intel check was.
type Verification string

const (
	VerificationFull    Verification = "FULL"
	VerificationPartial Verification = "PARTIAL"
	VerificationNone    Verification = "NONE"
)

// Analysis is the engine's verdict on one call.
type Analysis struct {
	Level            Level          `json:"level"`
	Score            int            `json:"score"`
	Recommendation   Recommendation `json:"recommendation"`
	Reasons          []string       `json:"reasons,omitempty"`
	Category         Category       `json:"category"`
	Action           DecodedAction  `json:"action"`
	Trust            TrustVerdict   `json:"trust"`
	Explanation      Explanation    `json:"explanation"`
	HardBlock        bool           `json:"hardBlock"`
	RequiresOverride bool           `json:"requiresOverride"`
	Verification     Verification   `json:"verification"`
	Provisional      bool           `json:"provisional"`
	AnalyzedAt       time.Time      `json:"analyzedAt"`
}

// Tuning holds every scoring constant. All fields can be overridden from
// the policy file.
type Tuning struct {
	HighFloor int `mapstructure:"high_floor"`
	WarnFloor int `mapstructure:"warn_floor"`

	OfficialScore   int `mapstructure:"official_score"`
	UnknownScore    int `mapstructure:"unknown_score"`
	SuspiciousScore int `mapstructure:"suspicious_score"`

	IntelTrustedDelta int `mapstructure:"intel_trusted_delta"`
	IntelBlockedScore int `mapstructure:"intel_blocked_score"`

	MaxEditDistance  int     `mapstructure:"max_edit_distance"`
	DigitDensity     float64 `mapstructure:"digit_density"`
	MinDigitsForFlag int     `mapstructure:"min_digits_for_flag"`

	IntelMaxAge time.Duration `mapstructure:"intel_max_age"`

	Allowlist []string `mapstructure:"allowlist"`
	Brands    []string `mapstructure:"brands"`
}

// DefaultTuning returns the shipped constants.
func DefaultTuning() Tuning {
	return Tuning{
		HighFloor: 70,
		WarnFloor: 40,

		OfficialScore:   90,
		UnknownScore:    60,
		SuspiciousScore: 20,

		IntelTrustedDelta: 10,
		IntelBlockedScore: 95,

		MaxEditDistance:  2,
		DigitDensity:     0.3,
		MinDigitsForFlag: 3,

		IntelMaxAge: 48 * time.Hour,

		Allowlist: []string{
			"uniswap.org",
			"metamask.io",
			"opensea.io",
			"aave.com",
			"curve.fi",
			"curve.finance",
			"lido.fi",
			"ledger.com",
			"trezor.io",
			"phantom.app",
			"1inch.io",
			"compound.finance",
			"ens.domains",
			"safe.global",
			"rainbow.me",
			"coinbase.com",
			"blur.io",
			"sushi.com",
			"balancer.fi",
			"pancakeswap.finance",
		},
		Brands: []string{
			"uniswap",
			"metamask",
			"opensea",
			"aave",
			"curve",
			"lido",
			"compound",
			"coinbase",
			"rainbow",
			"ledger",
			"trezor",
			"blur",
			"sushi",
			"pancakeswap",
			"phantom",
		},
	}
}

// Normalize fills zero fields from the defaults.
func (t Tuning) Normalize() Tuning {
	d := DefaultTuning()
	if t.HighFloor <= 0 {
		t.HighFloor = d.HighFloor
	}
	if t.WarnFloor <= 0 {
		t.WarnFloor = d.WarnFloor
	}
	if t.OfficialScore <= 0 {
		t.OfficialScore = d.OfficialScore
	}
	if t.UnknownScore <= 0 {
		t.UnknownScore = d.UnknownScore
	}
	if t.SuspiciousScore <= 0 {
		t.SuspiciousScore = d.SuspiciousScore
	}
	if t.IntelTrustedDelta <= 0 {
		t.IntelTrustedDelta = d.IntelTrustedDelta
	}
	if t.IntelBlockedScore <= 0 {
		t.IntelBlockedScore = d.IntelBlockedScore
	}
	if t.MaxEditDistance <= 0 {
		t.MaxEditDistance = d.MaxEditDistance
	}
	if t.DigitDensity <= 0 {
		t.DigitDensity = d.DigitDensity
	}
	if t.MinDigitsForFlag <= 0 {
		t.MinDigitsForFlag = d.MinDigitsForFlag
	}
	if t.IntelMaxAge <= 0 {
		t.IntelMaxAge = d.IntelMaxAge
	}
	if len(t.Allowlist) == 0 {
		t.Allowlist = d.Allowlist
	}
	if len(t.Brands) == 0 {
		t.Brands = d.Brands
	}
	if t.HighFloor > 100 || t.WarnFloor >= t.HighFloor {
		t.HighFloor, t.WarnFloor = d.HighFloor, d.WarnFloor
	}
	return t
}

// levelFor maps a score to a level.
func (t Tuning) levelFor(score int) Level {
	switch {
	case score >= t.HighFloor:
		return LevelHigh
	case score >= t.WarnFloor:
		return LevelWarn
	default:
		return LevelLow
	}
}
