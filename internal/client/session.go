// Package client consumes the gateway: it reconstructs the article and insights
// from the still-incomplete stream while tracking phase, percent and ETA.
package client

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/hpungsan/recast/internal/article"
	"github.com/hpungsan/recast/internal/partial"
	"github.com/hpungsan/recast/internal/progress"
)

// Snapshot is the view of a session exposed to presentation code.
type Snapshot struct {
	Phase      progress.Phase     `json:"phase"`
	Percent    float64            `json:"percent"`
	ETASeconds *float64           `json:"eta_seconds"`
	Article    string             `json:"article"`
	Insights   article.InsightSet `json:"insights"`
}

// Session is the state of one in-flight rewrite. The decoder, extractor and
// estimator all act on it; it is owned by a single goroutine.
type Session struct {
	est    *progress.Estimator
	ex     *partial.Extractor
	raw    []byte
	result *article.Result
}

// NewSession starts a session in the fetching phase. A nil clock uses time.Now.
func NewSession(now func() time.Time) *Session {
	return &Session{
		est: progress.NewEstimator(now),
		ex:  partial.New(),
	}
}

// SetExpectedTotal seeds the estimator with a size probe.
func (s *Session) SetExpectedTotal(n int) error {
	return s.est.SetExpectedTotal(n)
}

// Acknowledge records that the gateway accepted the request.
func (s *Session) Acknowledge() error {
	return s.est.Transition(progress.Analyzing)
}

// AppendToken adds one relayed token to the raw buffer and refreshes the
// extracted fields and the estimate. The first token moves the session to rewriting.
// Tokens are only accepted while analyzing or rewriting.
func (s *Session) AppendToken(token string) (partial.Changes, error) {
	switch phase := s.est.Phase(); phase {
	case progress.Analyzing:
		if err := s.est.Transition(progress.Rewriting); err != nil {
			return partial.Changes{}, err
		}
	case progress.Rewriting:
	default:
		return partial.Changes{}, fmt.Errorf("%w: token in %s", progress.ErrIllegalTransition, phase)
	}
	s.raw = append(s.raw, token...)
	s.est.Observe(utf8.RuneCountInString(token))
	return s.ex.Update(s.raw), nil
}

// Complete handles the terminal frame: one authoritative parse, then finalizing.
// ok is false when the parse failed and the partial values stand.
func (s *Session) Complete() (article.Result, bool, error) {
	if err := s.est.Transition(progress.Finalizing); err != nil {
		return article.Result{}, false, err
	}
	res, ok := s.ex.Final(s.raw)
	if ok {
		s.result = &res
	}
	return res, ok, nil
}

// CompleteCached finishes a session answered from the gateway cache.
func (s *Session) CompleteCached(res article.Result) error {
	if err := s.est.Transition(progress.Finalizing); err != nil {
		return err
	}
	res.Insights = res.Insights.Normalized()
	s.result = &res
	return nil
}

// Raw returns the accumulated token text.
func (s *Session) Raw() string { return string(s.raw) }

// Snapshot returns a copy of the presentable state.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Phase:    s.est.Phase(),
		Percent:  s.est.Percent(),
		Article:  s.ex.Article(),
		Insights: s.ex.Insights(),
	}
	if s.result != nil {
		snap.Article = s.result.RewrittenArticle
		snap.Insights = s.result.Insights.Clone()
	}
	if eta, ok := s.est.ETA(); ok {
		snap.ETASeconds = &eta
	}
	return snap
}
