package lottery

import (
	"maps"
	"slices"
)

// Registry holds the ticket list and the winner map of one lottery and
// implements the draw and claim rules on them. It performs no I/O and is not
// safe for concurrent use; the Lottery serializes access and persists it.
//
// The same account may appear in the player list several times: each entry
// is one ticket and one unit of draw probability.
type Registry struct {
	players []Account
	winners map[Account]ClaimStatus
	derive  IndexDeriver
}

// NewRegistry creates an empty registry using MixedIndex
func NewRegistry() *Registry {
	return NewRegistryWithDeriver(MixedIndex)
}

// NewRegistryWithDeriver creates an empty registry with a custom index derivation
func NewRegistryWithDeriver(derive IndexDeriver) *Registry {
	if derive == nil {
		derive = MixedIndex
	}
	return &Registry{
		players: make([]Account, 0),
		winners: make(map[Account]ClaimStatus),
		derive:  derive,
	}
}

// RestoreRegistry rebuilds a registry from persisted collections.
// The inputs are copied.
func RestoreRegistry(players []Account, winners map[Account]ClaimStatus, derive IndexDeriver) *Registry {
	r := NewRegistryWithDeriver(derive)
	r.players = append(r.players, players...)
	maps.Copy(r.winners, winners)
	return r
}

// Add appends one ticket for account
func (r *Registry) Add(account Account) {
	r.players = append(r.players, account)
}

// Len returns the number of tickets still in the draw
func (r *Registry) Len() int { return len(r.players) }

// Players returns a copy of the remaining tickets. The order carries no
// meaning once a draw has happened.
func (r *Registry) Players() []Account {
	return slices.Clone(r.players)
}

// Winners returns every drawn account regardless of claim status, sorted
func (r *Registry) Winners() []Account {
	out := slices.Collect(maps.Keys(r.winners))
	slices.Sort(out)
	return out
}

// WinnerStatuses returns a copy of the winner map
func (r *Registry) WinnerStatuses() map[Account]ClaimStatus {
	return maps.Clone(r.winners)
}

// Status returns the claim status of account and whether it was ever drawn
func (r *Registry) Status(account Account) (ClaimStatus, bool) {
	s, ok := r.winners[account]
	return s, ok
}

// Draw moves n tickets from the player list to the winner map.
// The request is validated before anything changes: n larger than the number
// of remaining tickets fails with ErrDrawOverdraw and a short seed with
// ErrEntropyTooShort. The drawn accounts are returned in selection order.
func (r *Registry) Draw(n uint64, seed []byte) ([]Account, error) {
	if n > uint64(len(r.players)) {
		return nil, ErrDrawOverdraw
	}
	if n > 0 && len(seed) < MinSeedLength {
		return nil, ErrEntropyTooShort
	}

	drawn := make([]Account, 0, n)
	for step := uint64(0); step < n; step++ {
		drawn = append(drawn, r.drawOne(seed, step))
	}
	return drawn, nil
}

// drawOne removes one ticket by swap-with-last and records its owner as pending.
// An account that is already a winner is reset to pending.
func (r *Registry) drawOne(seed []byte, step uint64) Account {
	remaining := uint64(len(r.players))
	i := r.derive(seed, step) % remaining

	winner := r.players[i]
	last := len(r.players) - 1
	r.players[i] = r.players[last]
	r.players[last] = ""
	r.players = r.players[:last]

	r.winners[winner] = ClaimPending
	return winner
}

// Claim moves account from pending to claimed
func (r *Registry) Claim(account Account) error {
	status, ok := r.winners[account]
	if !ok {
		return ErrNotAWinner
	}
	if status != ClaimPending {
		return ErrAlreadyClaimed
	}

	r.winners[account] = ClaimClaimed
	return nil
}

// MarkPaid records a confirmed transfer: claimed -> paid
func (r *Registry) MarkPaid(account Account) error {
	return r.settle(account, ClaimPaid)
}

// RevertClaim reopens a claim whose transfer definitely failed: claimed -> pending
func (r *Registry) RevertClaim(account Account) error {
	return r.settle(account, ClaimPending)
}

func (r *Registry) settle(account Account, to ClaimStatus) error {
	status, ok := r.winners[account]
	if !ok {
		return ErrNotAWinner
	}
	if status != ClaimClaimed {
		return ErrNotClaimed.WithDetails(string(account) + " is " + string(status))
	}

	r.winners[account] = to
	return nil
}
