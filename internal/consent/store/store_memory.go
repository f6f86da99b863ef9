package store

import (
	"context"
	"sync"
	"time"

	"bankbridge/internal/consent/models"
)

// InMemoryStore keeps consent records in process memory. It is the default
// backend when no Redis URL is configured, and the backend all service tests
// run against.
type InMemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*models.Consent
	byConsentID map[string]string
	byRequestID map[string]string
	activePair  map[string]string
	byClient    map[string][]string
}

// NewInMemory constructs an empty in-memory consent store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byID:        make(map[string]*models.Consent),
		byConsentID: make(map[string]string),
		byRequestID: make(map[string]string),
		activePair:  make(map[string]string),
		byClient:    make(map[string][]string),
	}
}

func (s *InMemoryStore) Save(_ context.Context, consent *models.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := pairKey(consent.ClientID, consent.BankName)
	if consent.Status == models.StatusAuthorized {
		if activeID, ok := s.activePair[pair]; ok && activeID != consent.ID {
			return ErrActiveConsentExists
		}
		s.activePair[pair] = consent.ID
	}

	if _, exists := s.byID[consent.ID]; !exists {
		s.byClient[consent.ClientID] = append(s.byClient[consent.ClientID], consent.ID)
	}

	record := *consent
	s.byID[consent.ID] = &record
	if consent.ConsentID != "" {
		s.byConsentID[consent.ConsentID] = consent.ID
	}
	if consent.RequestID != "" {
		s.byRequestID[consent.RequestID] = consent.ID
	}
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyOf(id)
}

func (s *InMemoryStore) FindActive(_ context.Context, clientID, bankName string) (*models.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activePair[pairKey(clientID, bankName)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.copyOf(id)
}

func (s *InMemoryStore) FindByConsentID(_ context.Context, consentID string) (*models.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byConsentID[consentID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.copyOf(id)
}

func (s *InMemoryStore) FindByRequestID(_ context.Context, requestID string) (*models.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRequestID[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.copyOf(id)
}

func (s *InMemoryStore) ListByClient(_ context.Context, clientID string) ([]*models.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byClient[clientID]
	consents := make([]*models.Consent, 0, len(ids))
	for _, id := range ids {
		if record, err := s.copyOf(id); err == nil {
			consents = append(consents, record)
		}
	}
	return consents, nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, id string, newStatus models.Status, consentID string) (*models.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if record.Status != newStatus && !record.Status.CanTransition(newStatus) {
		return nil, ErrIllegalTransition
	}

	pair := pairKey(record.ClientID, record.BankName)
	if newStatus == models.StatusAuthorized {
		if activeID, exists := s.activePair[pair]; exists && activeID != id {
			return nil, ErrActiveConsentExists
		}
		s.activePair[pair] = id
	}
	if record.Status == models.StatusAuthorized && newStatus == models.StatusRevoked {
		if s.activePair[pair] == id {
			delete(s.activePair, pair)
		}
	}

	record.Status = newStatus
	if consentID != "" {
		record.ConsentID = consentID
		s.byConsentID[consentID] = id
	}
	record.UpdatedAt = time.Now().UTC()
	if newStatus == models.StatusAuthorized || newStatus == models.StatusRevoked {
		record.RedirectURI = ""
	}

	updated := *record
	return &updated, nil
}

// copyOf must be called with at least the read lock held.
func (s *InMemoryStore) copyOf(id string) (*models.Consent, error) {
	record, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copyRecord := *record
	return &copyRecord, nil
}
