// Package history records every decision for audit and export. Writes are
// fire-and-forget from the decision path: see Notifier.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/pagination"
	"github.com/mbd888/walletgate/internal/validation"
)

var ErrDuplicate = errors.New("history: decision already recorded")

// Record is one decided call.
type Record struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"correlationId"`
	Origin         string    `json:"origin"`
	Host           string    `json:"host"`
	Method         string    `json:"method"`
	Category       string    `json:"category"`
	Level          string    `json:"level"`
	Score          int       `json:"score"`
	Recommendation string    `json:"recommendation"`
	Allow          bool      `json:"allow"`
	Source         string    `json:"source"`
	Reason         string    `json:"reason,omitempty"`
	Reasons        []string  `json:"reasons,omitempty"`
	Verification   string    `json:"verification"`
	DecidedAt      time.Time `json:"decidedAt"`
}

// NewRecord builds a record from the call, the verdict it was decided on
// and the decision. a may be nil when no verdict arrived in time.
func NewRecord(c call.Call, a *analysis.Analysis, d call.Decision) Record {
	r := Record{
		ID:             idgen.WithPrefix(idgen.PrefixRecord),
		CorrelationID:  d.ID,
		Origin:         validation.SanitizeDisplay(c.Origin, 255),
		Host:           c.Host,
		Method:         c.Method,
		Category:       string(analysis.CategoryUnknown),
		Level:          string(analysis.LevelWarn),
		Recommendation: string(analysis.RecommendWarn),
		Allow:          d.Allow,
		Source:         string(d.Source),
		Reason:         validation.SanitizeDisplay(d.Reason, 500),
		Verification:   string(analysis.VerificationNone),
		DecidedAt:      d.DecidedAt.UTC(),
	}
	if r.DecidedAt.IsZero() {
		r.DecidedAt = time.Now().UTC()
	}
	if a != nil {
		r.Category = string(a.Category)
		r.Level = string(a.Level)
		r.Score = a.Score
		r.Recommendation = string(a.Recommendation)
		r.Reasons = append([]string(nil), a.Reasons...)
		r.Verification = string(a.Verification)
	}
	return r
}

// Query selects records, newest first.
type Query struct {
	Host   string
	Limit  int
	Cursor *pagination.Cursor
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return pagination.DefaultLimit
	}
	if q.Limit > pagination.MaxLimit {
		return pagination.MaxLimit
	}
	return q.Limit
}

// Store persists records.
type Store interface {
	Append(ctx context.Context, r Record) error
	List(ctx context.Context, q Query) ([]Record, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Key returns the pagination key of r.
func Key(r Record) (time.Time, string) {
	return r.DecidedAt, r.ID
}

func joinReasons(rs []string) string {
	return strings.Join(rs, "\n")
}

func splitReasons(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
