package lottery

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStore keeps every lottery in process memory. Used by the memory
// backend, the examples and the tests.
type MemoryStore struct {
	mu        sync.RWMutex
	lotteries map[string]*memoryLottery
}

type memoryLottery struct {
	players   []Account
	winners   map[Account]ClaimStatus
	transfers map[Account]TransferRecord
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lotteries: make(map[string]*memoryLottery)}
}

func (s *MemoryStore) lottery(id string) *memoryLottery {
	l, ok := s.lotteries[id]
	if !ok {
		l = &memoryLottery{
			winners:   make(map[Account]ClaimStatus),
			transfers: make(map[Account]TransferRecord),
		}
		s.lotteries[id] = l
	}
	return l
}

// Load returns a copy of the stored collections
func (s *MemoryStore) Load(ctx context.Context, lotteryID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{Players: []Account{}, Winners: map[Account]ClaimStatus{}}
	if l, ok := s.lotteries[lotteryID]; ok {
		snap.Players = slices.Clone(l.players)
		snap.Winners = maps.Clone(l.winners)
	}
	return snap, nil
}

// AppendTickets appends accounts to the player list
func (s *MemoryStore) AppendTickets(ctx context.Context, lotteryID string, accounts []Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lottery(lotteryID)
	l.players = append(l.players, accounts...)
	return nil
}

// CommitDraw replaces the player list and records drawn winners as pending
func (s *MemoryStore) CommitDraw(ctx context.Context, lotteryID string, remaining, drawn []Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lottery(lotteryID)
	l.players = slices.Clone(remaining)
	for _, w := range drawn {
		l.winners[w] = ClaimPending
	}
	return nil
}

// CommitClaimState sets one winner status and optionally its transfer record
func (s *MemoryStore) CommitClaimState(
	ctx context.Context, lotteryID string, account Account, status ClaimStatus, record *TransferRecord,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return ErrInvalidParameters.WithDetails("unknown claim status " + string(status))
	}
	if record != nil {
		if err := record.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lottery(lotteryID)
	l.winners[account] = status
	if record != nil {
		l.transfers[account] = *record
	}
	return nil
}

// GetTransfer returns a copy of the record of account, or nil
func (s *MemoryStore) GetTransfer(ctx context.Context, lotteryID string, account Account) (*TransferRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lotteries[lotteryID]
	if !ok {
		return nil, nil
	}
	r, ok := l.transfers[account]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// ListTransfers returns copies of every record, ordered by recipient
func (s *MemoryStore) ListTransfers(ctx context.Context, lotteryID string) ([]*TransferRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lotteries[lotteryID]
	if !ok {
		return nil, nil
	}

	keys := slices.Sorted(maps.Keys(l.transfers))
	out := make([]*TransferRecord, 0, len(keys))
	for _, k := range keys {
		r := l.transfers[k]
		out = append(out, &r)
	}
	return out, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
