package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"bankbridge/internal/consent/models"
)

// Key layout:
//
//	consent:record:{id}                 JSON-encoded record
//	consent:id_index:{consentID}        record id
//	consent:request_index:{requestID}   record id
//	consent:active:{clientID}/{bank}    record id, exists only while authorized
//	consent:client:{clientID}           set of record ids
//
// The active key is written with SETNX so two concurrent activators for the
// same pair cannot both succeed.
type RedisStore struct {
	rdb redis.Cmdable
}

// NewRedis constructs a consent store backed by Redis. Records are kept
// without TTL; consent history survives restarts.
func NewRedis(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func recordKey(id string) string         { return "consent:record:" + id }
func consentIndexKey(cid string) string  { return "consent:id_index:" + cid }
func requestIndexKey(rid string) string  { return "consent:request_index:" + rid }
func activeKey(pair string) string       { return "consent:active:" + pair }
func clientSetKey(clientID string) string { return "consent:client:" + clientID }

func (s *RedisStore) Save(ctx context.Context, consent *models.Consent) error {
	pair := pairKey(consent.ClientID, consent.BankName)

	if consent.Status == models.StatusAuthorized {
		ok, err := s.rdb.SetNX(ctx, activeKey(pair), consent.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("claim active consent slot: %w", err)
		}
		if !ok {
			current, err := s.rdb.Get(ctx, activeKey(pair)).Result()
			if err != nil || current != consent.ID {
				return ErrActiveConsentExists
			}
		}
	}

	payload, err := json.Marshal(consent)
	if err != nil {
		return fmt.Errorf("encode consent record: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, recordKey(consent.ID), payload, 0)
	pipe.SAdd(ctx, clientSetKey(consent.ClientID), consent.ID)
	if consent.ConsentID != "" {
		pipe.Set(ctx, consentIndexKey(consent.ConsentID), consent.ID, 0)
	}
	if consent.RequestID != "" {
		pipe.Set(ctx, requestIndexKey(consent.RequestID), consent.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write consent record: %w", err)
	}
	return nil
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*models.Consent, error) {
	return s.load(ctx, id)
}

func (s *RedisStore) FindActive(ctx context.Context, clientID, bankName string) (*models.Consent, error) {
	return s.loadViaIndex(ctx, activeKey(pairKey(clientID, bankName)))
}

func (s *RedisStore) FindByConsentID(ctx context.Context, consentID string) (*models.Consent, error) {
	return s.loadViaIndex(ctx, consentIndexKey(consentID))
}

func (s *RedisStore) FindByRequestID(ctx context.Context, requestID string) (*models.Consent, error) {
	return s.loadViaIndex(ctx, requestIndexKey(requestID))
}

func (s *RedisStore) ListByClient(ctx context.Context, clientID string) ([]*models.Consent, error) {
	ids, err := s.rdb.SMembers(ctx, clientSetKey(clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list client consents: %w", err)
	}
	consents := make([]*models.Consent, 0, len(ids))
	for _, id := range ids {
		record, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		consents = append(consents, record)
	}
	return consents, nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, newStatus models.Status, consentID string) (*models.Consent, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != newStatus && !record.Status.CanTransition(newStatus) {
		return nil, ErrIllegalTransition
	}

	pair := pairKey(record.ClientID, record.BankName)
	if newStatus == models.StatusAuthorized && record.Status != models.StatusAuthorized {
		ok, err := s.rdb.SetNX(ctx, activeKey(pair), id, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("claim active consent slot: %w", err)
		}
		if !ok {
			current, err := s.rdb.Get(ctx, activeKey(pair)).Result()
			if err != nil || current != id {
				return nil, ErrActiveConsentExists
			}
		}
	}

	wasAuthorized := record.Status == models.StatusAuthorized
	record.Status = newStatus
	if consentID != "" {
		record.ConsentID = consentID
	}
	record.UpdatedAt = time.Now().UTC()
	if newStatus == models.StatusAuthorized || newStatus == models.StatusRevoked {
		record.RedirectURI = ""
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode consent record: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, recordKey(id), payload, 0)
	if consentID != "" {
		pipe.Set(ctx, consentIndexKey(consentID), id, 0)
	}
	if wasAuthorized && newStatus == models.StatusRevoked {
		pipe.Del(ctx, activeKey(pair))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("write consent record: %w", err)
	}
	return record, nil
}

func (s *RedisStore) loadViaIndex(ctx context.Context, indexKey string) (*models.Consent, error) {
	id, err := s.rdb.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read consent index: %w", err)
	}
	return s.load(ctx, id)
}

func (s *RedisStore) load(ctx context.Context, id string) (*models.Consent, error) {
	payload, err := s.rdb.Get(ctx, recordKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read consent record: %w", err)
	}
	var record models.Consent
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("decode consent record: %w", err)
	}
	return &record, nil
}
