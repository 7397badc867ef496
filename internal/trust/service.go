package trust

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrSelfVote is returned when a contributor votes on their own trace.
	ErrSelfVote = errors.New("cannot vote on your own trace")
	// ErrFeedbackTagRequired is returned for a down vote without an approved
	// feedback tag.
	ErrFeedbackTagRequired = errors.New("down votes require a feedback tag")
	// ErrContributorNotFound is returned by Reputation for an unknown id.
	ErrContributorNotFound = errors.New("contributor not found")
)

// FeedbackTags are the reasons a down vote may give.
var FeedbackTags = map[string]bool{
	"outdated":         true,
	"wrong":            true,
	"security_concern": true,
	"spam":             true,
}

// Config carries the trust tunables.
type Config struct {
	ValidationThreshold int
	BaseWeight          float64
}

// VoteRequest is one vote submission.
type VoteRequest struct {
	TraceID      string
	VoterID      string
	VoteType     string
	FeedbackTag  string
	FeedbackText string
}

// VoteResult is the accepted vote and whether it promoted the trace.
type VoteResult struct {
	Vote     store.Vote `json:"vote"`
	Weight   float64    `json:"weight"`
	Promoted bool       `json:"promoted"`
}

// Reputation is a contributor's aggregate score and per-domain breakdown.
type Reputation struct {
	ContributorID string                   `json:"contributor_id"`
	Score         float64                  `json:"reputation_score"`
	Domains       []store.DomainReputation `json:"domains"`
}

// Service runs the vote flow: validation, weighting, trust update and
// reputation propagation, all in one transaction.
type Service struct {
	db         *store.DB
	updater    *Updater
	propagator *Propagator
	metrics    *metrics.Registry
	logger     *zap.Logger
}

// NewService wires an Updater and Propagator over db. m may be nil.
func NewService(db *store.DB, cfg Config, m *metrics.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ValidationThreshold <= 0 {
		cfg.ValidationThreshold = DefaultValidationThreshold
	}
	if cfg.BaseWeight <= 0 {
		cfg.BaseWeight = DefaultBaseWeight
	}
	return &Service{
		db:         db,
		updater:    NewUpdater(cfg.ValidationThreshold, logger),
		propagator: NewPropagator(cfg.BaseWeight, logger),
		metrics:    m,
		logger:     logger,
	}
}

// CastVote validates and applies a vote. The vote's weight comes from the
// voter's reputation in the trace's domains; the vote is credited to the
// trace owner's reputation in the same domains.
func (s *Service) CastVote(ctx context.Context, req VoteRequest) (*VoteResult, error) {
	if req.VoteType != store.VoteUp && req.VoteType != store.VoteDown {
		return nil, ErrInvalidVoteType
	}
	if req.VoteType == store.VoteDown && !FeedbackTags[req.FeedbackTag] {
		return nil, ErrFeedbackTagRequired
	}

	var result VoteResult
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		trace, err := tx.GetTrace(ctx, req.TraceID)
		if err != nil {
			return err
		}
		if trace == nil {
			return ErrTraceNotFound
		}
		if trace.ContributorID == req.VoterID {
			return ErrSelfVote
		}

		weight, err := s.propagator.WeightFor(ctx, tx, req.VoterID, trace.Tags)
		if err != nil {
			return err
		}

		vote := store.Vote{
			TraceID:      req.TraceID,
			VoterID:      req.VoterID,
			VoteType:     req.VoteType,
			FeedbackTag:  req.FeedbackTag,
			FeedbackText: req.FeedbackText,
		}
		applied, err := s.updater.ApplyVote(ctx, tx, &vote, weight)
		if err != nil {
			return err
		}

		if err := s.propagator.RecordVote(ctx, tx, trace.ContributorID, trace.Tags, req.VoteType == store.VoteUp); err != nil {
			return err
		}

		result = VoteResult{Vote: vote, Weight: weight, Promoted: applied.Promoted}
		return nil
	})
	if err != nil {
		s.metrics.Vote(req.VoteType, outcome(err))
		if errors.Is(err, ErrDuplicateVote) {
			s.logger.Info("duplicate_vote", zap.String("trace_id", req.TraceID), zap.String("voter_id", req.VoterID))
		}
		return nil, err
	}

	s.metrics.Vote(req.VoteType, "applied")
	s.logger.Info("vote_applied",
		zap.String("trace_id", req.TraceID),
		zap.String("vote_type", req.VoteType),
		zap.Float64("weight", result.Weight),
		zap.Bool("promoted", result.Promoted),
	)
	return &result, nil
}

// Reputation returns a contributor's aggregate score and domain scores,
// best domain first.
func (s *Service) Reputation(ctx context.Context, contributorID string) (*Reputation, error) {
	score, domains, found, err := s.db.Reputation(ctx, contributorID)
	if err != nil {
		return nil, fmt.Errorf("reputation: %w", err)
	}
	if !found {
		return nil, ErrContributorNotFound
	}
	sort.SliceStable(domains, func(i, j int) bool {
		return domains[i].WilsonScore > domains[j].WilsonScore
	})
	if domains == nil {
		domains = []store.DomainReputation{}
	}
	return &Reputation{ContributorID: contributorID, Score: score, Domains: domains}, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateVote):
		return "duplicate"
	case errors.Is(err, ErrSelfVote):
		return "self_vote"
	case errors.Is(err, ErrTraceNotFound):
		return "not_found"
	default:
		return "error"
	}
}
