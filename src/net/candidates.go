package net

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// candidateBuffer is the capacity of the Candidates channel.
	candidateBuffer = 256

	// pingMaxAge bounds the clock skew accepted on signed pings, and how long
	// their nonces are remembered.
	pingMaxAge = time.Minute
)

// Candidate is a peer discovered by a transport.
type Candidate struct {
	PeerID    string
	SubnetID  string
	Addresses []string

	// Via is the peer that told us about this one, if any.
	Via string

	// Inbound is set when the candidate contacted us and proved it holds the
	// key of PeerID.
	Inbound bool

	// Unverified is set when the candidate comes from a ping that failed
	// verification. Its ID and addresses are only claims.
	Unverified bool
}

// candidateFeed publishes candidates without ever blocking the transport.
type candidateFeed struct {
	ch     chan Candidate
	self   string
	seen   *nonceCache
	logger *logrus.Entry
}

func newCandidateFeed(self string, logger *logrus.Entry) candidateFeed {
	return candidateFeed{
		ch:     make(chan Candidate, candidateBuffer),
		self:   self,
		seen:   newNonceCache(pingMaxAge),
		logger: logger,
	}
}

func (f *candidateFeed) emit(c Candidate) {
	if c.PeerID == "" || c.PeerID == f.self {
		return
	}
	select {
	case f.ch <- c:
	default:
		f.logger.WithField("peer", c.PeerID).Warn("Candidate queue full, dropping candidate")
	}
}

// emitExchange publishes the peers listed in a verified ping response.
func (f *candidateFeed) emitExchange(resp *PingResponse) {
	for _, p := range resp.Peers {
		f.emit(Candidate{
			PeerID:    p.PeerID,
			SubnetID:  resp.SubnetID,
			Addresses: p.Addresses,
			Via:       resp.PeerID,
		})
	}
}

// emitPing publishes the sender of an inbound ping. Only a fresh request
// signed with the sender's key makes an Inbound candidate; anything else is a
// plain candidate that the node has to probe like any other.
func (f *candidateFeed) emitPing(req *PingRequest) {
	c := Candidate{
		PeerID:   req.FromID,
		SubnetID: req.SubnetID,
	}
	if req.NetAddr != "" {
		c.Addresses = []string{req.NetAddr}
	}

	now := time.Now()
	err := req.Verify(now, pingMaxAge)
	if err == nil && !f.seen.add(req.Nonce, now) {
		err = fmt.Errorf("replayed nonce %s", req.Nonce)
	}
	if err != nil {
		f.logger.WithField("peer", req.FromID).WithError(err).Debug("Unverified ping")
		c.Unverified = true
	} else {
		c.Inbound = true
	}

	f.emit(c)
}

// nonceCache remembers the nonces of verified pings for ttl.
type nonceCache struct {
	sync.Mutex
	ttl    time.Duration
	nonces map[string]time.Time
}

func newNonceCache(ttl time.Duration) *nonceCache {
	return &nonceCache{
		ttl:    ttl,
		nonces: make(map[string]time.Time),
	}
}

// add records nonce and reports whether it was new.
func (c *nonceCache) add(nonce string, now time.Time) bool {
	c.Lock()
	defer c.Unlock()

	for n, exp := range c.nonces {
		if now.After(exp) {
			delete(c.nonces, n)
		}
	}

	if _, ok := c.nonces[nonce]; ok {
		return false
	}
	// a request stays acceptable up to ttl after its timestamp, which may be
	// ttl ahead of now
	c.nonces[nonce] = now.Add(2 * c.ttl)
	return true
}

// checkProbe verifies a ping response on behalf of Probe.
func checkProbe(local Local, req *PingRequest, resp *PingResponse, targetID string) error {
	if err := resp.Verify(req, targetID); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	if resp.SubnetID != local.SubnetID {
		return fmt.Errorf("%w: %s is in subnet %s", ErrPeerUnreachable, targetID, resp.SubnetID)
	}
	return nil
}
