package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// AssetRepo is an in-memory domain.AssetRepository.
type AssetRepo struct {
	mu     sync.Mutex
	assets map[string]domain.Asset
}

// NewAssetRepo constructs an empty AssetRepo.
func NewAssetRepo() *AssetRepo {
	return &AssetRepo{assets: make(map[string]domain.Asset)}
}

// Create implements domain.AssetRepository.
func (r *AssetRepo) Create(_ domain.Context, a domain.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[a.ID]; ok {
		return fmt.Errorf("op=assets.create: %w: %s", domain.ErrDuplicate, a.ID)
	}
	r.assets[a.ID] = a
	return nil
}

// Get implements domain.AssetRepository.
func (r *AssetRepo) Get(_ domain.Context, id string) (domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	if !ok {
		return domain.Asset{}, fmt.Errorf("op=assets.get: %w: %s", domain.ErrAssetUnavailable, id)
	}
	return a, nil
}

// DeleteExpired implements domain.AssetRepository.
func (r *AssetRepo) DeleteExpired(_ domain.Context, now time.Time, limit int) ([]domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Asset
	for id, a := range r.assets {
		if a.RetainUntil != nil && a.RetainUntil.Before(now) {
			out = append(out, a)
			delete(r.assets, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// ObjectStore is an in-memory domain.ObjectStore.
type ObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewObjectStore constructs an empty ObjectStore.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte)}
}

// Put implements domain.ObjectStore.
func (s *ObjectStore) Put(_ domain.Context, key string, body []byte, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	s.objects[key] = cp
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8]), nil
}

// Delete implements domain.ObjectStore.
func (s *ObjectStore) Delete(_ domain.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// PresignGet implements domain.ObjectStore.
func (s *ObjectStore) PresignGet(_ domain.Context, key string, ttl time.Duration) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return "", time.Time{}, fmt.Errorf("op=objects.presign: %w: %s", domain.ErrAssetUnavailable, key)
	}
	exp := time.Now().Add(ttl)
	return fmt.Sprintf("memory://%s?exp=%d", key, exp.Unix()), exp, nil
}

// Object returns the stored bytes for key; test helper.
func (s *ObjectStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

// Len returns the number of stored objects; test helper.
func (s *ObjectStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
