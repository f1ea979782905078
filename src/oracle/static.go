package oracle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// StaticOracle is an in-memory oracle. Unknown peers are unregistered.
type StaticOracle struct {
	mu          sync.RWMutex
	stakes      map[string]StakeInfo
	records     map[string]*LedgerRecord
	unavailable bool
	delay       time.Duration
	calls       int64
}

// NewStaticOracle creates an empty StaticOracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		stakes:  make(map[string]StakeInfo),
		records: make(map[string]*LedgerRecord),
	}
}

// SetStaked registers peerID with the given stake amount. A zero amount
// registers the peer without stake.
func (o *StaticOracle) SetStaked(peerID string, amount uint64) {
	o.Set(peerID, StakeInfo{Registered: true, Staked: amount > 0, StakeAmount: amount})
}

// Set overrides the answer for peerID.
func (o *StaticOracle) Set(peerID string, info StakeInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stakes[peerID] = info
	if info.Registered {
		o.records[peerID] = &LedgerRecord{PeerID: peerID, StakeBalance: info.StakeAmount}
	} else {
		delete(o.records, peerID)
	}
}

// Remove unregisters peerID.
func (o *StaticOracle) Remove(peerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.stakes, peerID)
	delete(o.records, peerID)
}

// SetUnavailable makes every query fail with ErrUnavailable.
func (o *StaticOracle) SetUnavailable(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unavailable = v
}

// SetDelay makes every query wait d before answering, or until its context is
// done.
func (o *StaticOracle) SetDelay(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delay = d
}

// Calls returns the number of queries served so far.
func (o *StaticOracle) Calls() int64 {
	return atomic.LoadInt64(&o.calls)
}

func (o *StaticOracle) wait(ctx context.Context) error {
	atomic.AddInt64(&o.calls, 1)

	o.mu.RLock()
	delay, down := o.delay, o.unavailable
	o.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return unavailable(ctx.Err())
		}
	}
	if down {
		return ErrUnavailable
	}
	return nil
}

// QueryStake implements the Oracle interface. The subnet is not checked.
func (o *StaticOracle) QueryStake(ctx context.Context, peerID, subnetID string) (StakeInfo, error) {
	if err := o.wait(ctx); err != nil {
		return StakeInfo{}, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stakes[peerID], nil
}

// PeerRecord implements the Oracle interface.
func (o *StaticOracle) PeerRecord(ctx context.Context, peerID string) (*LedgerRecord, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[peerID]
	if !ok {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

// Close implements the Oracle interface.
func (o *StaticOracle) Close() error {
	return nil
}
