package state

import (
	"context"
	"errors"
	"log"
)

// TieredStore layers a hot store over a cold one. Loads try hot first and
// backfill it on a cold hit. Writes go through to both tiers; a hot-tier
// failure is logged and tolerated, a cold-tier failure is returned.
type TieredStore struct {
	hot  Store
	cold Store
}

func NewTieredStore(hot, cold Store) *TieredStore {
	return &TieredStore{hot: hot, cold: cold}
}

func (s *TieredStore) Load(ctx context.Context, callerID string) (CallState, error) {
	st, err := s.hot.Load(ctx, callerID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		log.Printf("state: hot tier load failed for %s: %v", callerID, err)
	}
	st, err = s.cold.Load(ctx, callerID)
	if err != nil {
		return CallState{}, err
	}
	if hotErr := s.hot.Save(ctx, st); hotErr != nil {
		log.Printf("state: hot tier backfill failed for %s: %v", callerID, hotErr)
	}
	return st, nil
}

func (s *TieredStore) Save(ctx context.Context, st CallState) error {
	if err := s.hot.Save(ctx, st); err != nil {
		log.Printf("state: hot tier save failed for %s: %v", st.CallerID, err)
	}
	return s.cold.Save(ctx, st)
}

func (s *TieredStore) AppendTurn(ctx context.Context, callerID string, entry TranscriptEntry) error {
	if err := s.hot.AppendTurn(ctx, callerID, entry); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("state: hot tier append failed for %s: %v", callerID, err)
	}
	return s.cold.AppendTurn(ctx, callerID, entry)
}

func (s *TieredStore) Delete(ctx context.Context, callerID string) error {
	if err := s.hot.Delete(ctx, callerID); err != nil {
		log.Printf("state: hot tier delete failed for %s: %v", callerID, err)
	}
	return s.cold.Delete(ctx, callerID)
}

func (s *TieredStore) Close() {
	s.hot.Close()
	s.cold.Close()
}
