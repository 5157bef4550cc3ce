package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

type inventoryKey struct {
	eventID     uuid.UUID
	ticketClass string
}

type inventoryEntry struct {
	mu  sync.Mutex
	rec domain.InventoryRecord
}

type reservation struct {
	token    domain.ReservationToken
	released bool
}

// InventoryStore keeps capacity in process. Each (event, ticket class) has
// its own lock, so reserves on different classes never wait on each other.
type InventoryStore struct {
	mu      sync.RWMutex
	entries map[inventoryKey]*inventoryEntry

	tokensMu sync.Mutex
	tokens   map[uuid.UUID]*reservation
}

func NewInventoryStore() *InventoryStore {
	return &InventoryStore{
		entries: make(map[inventoryKey]*inventoryEntry),
		tokens:  make(map[uuid.UUID]*reservation),
	}
}

func (s *InventoryStore) entry(key inventoryKey) *inventoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

func (s *InventoryStore) UpsertTicketClasses(ctx context.Context, eventID uuid.UUID, classes []domain.TicketClass) error {
	sorted := make([]domain.TicketClass, len(classes))
	copy(sorted, classes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	s.mu.Lock()
	entries := make([]*inventoryEntry, 0, len(sorted))
	for _, c := range sorted {
		key := inventoryKey{eventID: eventID, ticketClass: c.Name}
		e, ok := s.entries[key]
		if !ok {
			e = &inventoryEntry{rec: domain.InventoryRecord{EventID: eventID, TicketClass: c.Name}}
			s.entries[key] = e
		}
		entries = append(entries, e)
	}
	s.mu.Unlock()

	// locked in name order so two publishes for one event cannot deadlock
	for _, e := range entries {
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	for i, c := range sorted {
		if c.Capacity < entries[i].rec.Consumed {
			return fmt.Errorf("%w: %s has %d consumed, capacity %d", domain.ErrCapacityBelowConsumed, c.Name, entries[i].rec.Consumed, c.Capacity)
		}
	}

	for i, c := range sorted {
		entries[i].rec.Total = c.Capacity
		entries[i].rec.UnitPrice = c.UnitPrice
		entries[i].rec.Currency = c.Currency
	}

	return nil
}

func (s *InventoryStore) Reserve(ctx context.Context, token domain.ReservationToken) (domain.ReservationToken, error) {
	e := s.entry(inventoryKey{eventID: token.EventID, ticketClass: token.TicketClass})
	if e == nil {
		return domain.ReservationToken{}, fmt.Errorf("%w: %s", domain.ErrTicketClassNotFound, token.TicketClass)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s.tokensMu.Lock()
	existing, seen := s.tokens[token.ID]
	s.tokensMu.Unlock()
	if seen {
		return existing.token, nil
	}

	if !e.rec.CanReserve(token.Quantity) {
		return domain.ReservationToken{}, fmt.Errorf("%w: %s has %d left, %d requested", domain.ErrInsufficientCapacity, token.TicketClass, e.rec.Available(), token.Quantity)
	}

	e.rec.Consumed += token.Quantity
	token.UnitPrice = e.rec.UnitPrice
	token.Currency = e.rec.Currency

	s.tokensMu.Lock()
	s.tokens[token.ID] = &reservation{token: token}
	s.tokensMu.Unlock()

	return token, nil
}

func (s *InventoryStore) Release(ctx context.Context, tokenID uuid.UUID) (bool, error) {
	s.tokensMu.Lock()
	r, ok := s.tokens[tokenID]
	s.tokensMu.Unlock()
	if !ok {
		return false, nil
	}

	e := s.entry(inventoryKey{eventID: r.token.EventID, ticketClass: r.token.TicketClass})
	if e == nil {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s.tokensMu.Lock()
	if r.released {
		s.tokensMu.Unlock()
		return false, nil
	}
	r.released = true
	s.tokensMu.Unlock()

	e.rec.Consumed -= r.token.Quantity
	if e.rec.Consumed < 0 {
		e.rec.Consumed = 0
	}

	return true, nil
}

func (s *InventoryStore) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	var entries []*inventoryEntry
	for key, e := range s.entries {
		if key.eventID == eventID {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	records := make([]domain.InventoryRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.rec)
		e.mu.Unlock()
	}

	sort.Slice(records, func(i, j int) bool { return records[i].TicketClass < records[j].TicketClass })
	return records, nil
}
