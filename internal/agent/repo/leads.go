package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	errx "github.com/pubx-real-estate/orchestrator/internal/core/error"
	logx "github.com/pubx-real-estate/orchestrator/pkg/logger"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
)

const unscoredSetKey = "leads:unscored"

// RedisLeadStore mirrors leads returned by the CRM capability so the scoring
// worker can find unscored ones. The CRM remains the system of record; this
// store only holds what the orchestrator needs between turns.
type RedisLeadStore struct {
	rdb redis.Cmdable
}

func NewRedisLeadStore(rdb redis.Cmdable) *RedisLeadStore {
	return &RedisLeadStore{rdb: rdb}
}

func (s *RedisLeadStore) leadKey(id string) string {
	return fmt.Sprintf("lead:%s", id)
}

func (s *RedisLeadStore) scoreKey(id string) string {
	return fmt.Sprintf("lead:%s:score", id)
}

// SaveLead records a lead and marks it unscored when no score exists yet.
func (s *RedisLeadStore) SaveLead(ctx context.Context, lead model.Lead) error {
	if lead.ID == "" {
		return fmt.Errorf("lead id is empty")
	}
	b, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("marshal lead: %w", err)
	}
	if err := s.rdb.Set(ctx, s.leadKey(lead.ID), b, 0).Err(); err != nil {
		logx.Error().Err(err).Str("lead_id", lead.ID).Msg("failed to save lead")
		return errx.WrapRedis(err)
	}
	scored, err := s.rdb.Exists(ctx, s.scoreKey(lead.ID)).Result()
	if err != nil {
		return errx.WrapRedis(err)
	}
	if scored == 0 {
		if err := s.rdb.SAdd(ctx, unscoredSetKey, lead.ID).Err(); err != nil {
			return errx.WrapRedis(err)
		}
	}
	return nil
}

// UnscoredLeads returns the leads waiting for a score.
func (s *RedisLeadStore) UnscoredLeads(ctx context.Context) ([]model.Lead, error) {
	ids, err := s.rdb.SMembers(ctx, unscoredSetKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errx.WrapRedis(err)
	}

	leads := make([]model.Lead, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, s.leadKey(id)).Result()
		if err != nil {
			if err == redis.Nil {
				// lead expired or purged; drop the dangling marker
				s.rdb.SRem(ctx, unscoredSetKey, id)
				continue
			}
			return nil, errx.WrapRedis(err)
		}
		var lead model.Lead
		if err := json.Unmarshal([]byte(raw), &lead); err != nil {
			logx.Error().Err(err).Str("lead_id", id).Msg("failed to unmarshal lead")
			continue
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

// SaveScore persists one score row and clears the unscored marker.
func (s *RedisLeadStore) SaveScore(ctx context.Context, score model.LeadScore) error {
	b, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	if err := s.rdb.Set(ctx, s.scoreKey(score.LeadID), b, 0).Err(); err != nil {
		logx.Error().Err(err).Str("lead_id", score.LeadID).Msg("failed to save lead score")
		return errx.WrapRedis(err)
	}
	if err := s.rdb.SRem(ctx, unscoredSetKey, score.LeadID).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

// Score returns the stored score for a lead, if any.
func (s *RedisLeadStore) Score(ctx context.Context, leadID string) (*model.LeadScore, error) {
	raw, err := s.rdb.Get(ctx, s.scoreKey(leadID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errx.WrapRedis(err)
	}
	var score model.LeadScore
	if err := json.Unmarshal([]byte(raw), &score); err != nil {
		return nil, fmt.Errorf("unmarshal score: %w", err)
	}
	return &score, nil
}
