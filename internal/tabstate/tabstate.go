// Package tabstate stores per-session panel visibility flags. Reads of
// unknown sessions return defaults; writes merge into the current value and
// are persisted so a reload restores the panels that were open.
package tabstate

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/gluk-w/sshdeck/internal/database"
	"gorm.io/gorm"
)

// Version is the schema version written with every persisted row. Rows of
// any other version are discarded on Load.
const Version = 1

// State is the set of panel toggles for one session.
type State struct {
	Monitor  bool `json:"monitor"`
	Files    bool `json:"files"`
	Info     bool `json:"info"`
	Snippets bool `json:"snippets"`
}

// Default is the state of a session nobody has written yet.
func Default() State {
	return State{Info: true}
}

// Patch is a partial update; nil fields keep their current value.
type Patch struct {
	Monitor  *bool `json:"monitor,omitempty"`
	Files    *bool `json:"files,omitempty"`
	Info     *bool `json:"info,omitempty"`
	Snippets *bool `json:"snippets,omitempty"`
}

func (p Patch) apply(s State) State {
	if p.Monitor != nil {
		s.Monitor = *p.Monitor
	}
	if p.Files != nil {
		s.Files = *p.Files
	}
	if p.Info != nil {
		s.Info = *p.Info
	}
	if p.Snippets != nil {
		s.Snippets = *p.Snippets
	}
	return s
}

// Store is a write-through cache over the tab_ui_states table. A Store with
// a nil db keeps state in memory only.
type Store struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[string]State
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, cache: make(map[string]State)}
}

// Load replaces the cache with the persisted rows, dropping rows written by
// another schema version or that no longer decode.
func (s *Store) Load() error {
	if s.db == nil {
		return nil
	}
	var rows []database.TabUIState
	if err := s.db.Find(&rows).Error; err != nil {
		return fmt.Errorf("load tab ui state: %w", err)
	}

	loaded := make(map[string]State, len(rows))
	var stale []string
	for _, row := range rows {
		if row.Version != Version {
			stale = append(stale, row.SessionID)
			continue
		}
		var st State
		if err := json.Unmarshal([]byte(row.Data), &st); err != nil {
			stale = append(stale, row.SessionID)
			continue
		}
		loaded[row.SessionID] = st
	}
	if len(stale) > 0 {
		if err := s.db.Where("session_id IN ?", stale).Delete(&database.TabUIState{}).Error; err != nil {
			return fmt.Errorf("drop stale tab ui state: %w", err)
		}
		log.Printf("[tabstate] dropped %d stale entries", len(stale))
	}

	s.mu.Lock()
	s.cache = loaded
	s.mu.Unlock()
	return nil
}

// Get returns the session's state, or Default for unknown ids.
func (s *Store) Get(sessionID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.cache[sessionID]; ok {
		return st
	}
	return Default()
}

// Set merges p into the session's current state (or the default) and
// persists the result.
func (s *Store) Set(sessionID string, p Patch) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cache[sessionID]
	if !ok {
		cur = Default()
	}
	next := p.apply(cur)

	if s.db != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return cur, err
		}
		row := database.TabUIState{SessionID: sessionID, Version: Version, Data: string(data)}
		if err := s.db.Save(&row).Error; err != nil {
			return cur, fmt.Errorf("save tab ui state: %w", err)
		}
	}
	s.cache[sessionID] = next
	return next, nil
}

// Delete removes the session's state. Deleting an unknown id is not an error.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, sessionID)
	if s.db == nil {
		return nil
	}
	if err := s.db.Where("session_id = ?", sessionID).Delete(&database.TabUIState{}).Error; err != nil {
		return fmt.Errorf("delete tab ui state: %w", err)
	}
	return nil
}

// Prune deletes every entry whose session is not live, in memory and on
// disk, and returns how many were removed.
func (s *Store) Prune(live func(sessionID string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orphans := make(map[string]struct{})
	for id := range s.cache {
		if !live(id) {
			orphans[id] = struct{}{}
		}
	}
	if s.db != nil {
		var ids []string
		if err := s.db.Model(&database.TabUIState{}).Pluck("session_id", &ids).Error; err != nil {
			return 0, fmt.Errorf("list tab ui state: %w", err)
		}
		for _, id := range ids {
			if !live(id) {
				orphans[id] = struct{}{}
			}
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(orphans))
	for id := range orphans {
		ids = append(ids, id)
	}
	if s.db != nil {
		if err := s.db.Where("session_id IN ?", ids).Delete(&database.TabUIState{}).Error; err != nil {
			return 0, fmt.Errorf("prune tab ui state: %w", err)
		}
	}
	for _, id := range ids {
		delete(s.cache, id)
	}
	log.Printf("[tabstate] pruned %d orphaned entries", len(ids))
	return len(ids), nil
}

// IDs returns the session ids with stored state, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
