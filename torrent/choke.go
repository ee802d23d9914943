package torrent

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// --------------------------------------------------------------------------------------------- //

// PeerStats is the per-peer transfer bookkeeping the choking algorithm ranks
// on. Rates are bytes per second measured between updates.
type PeerStats struct {
	UploadTotal   int64
	DownloadTotal int64
	UploadRate    float64
	DownloadRate  float64
	LastUpdated   time.Time
}

// reciprocity is the ranking metric: download rate contributed by the peer
// while still downloading, upload capacity toward it when seeding.
func (s PeerStats) reciprocity(seeding bool) float64 {
	if seeding {
		return s.UploadRate
	}
	return s.DownloadRate
}

// --------------------------------------------------------------------------------------------- //

/*
ChokingStrategy is the pluggable reciprocity algorithm: given the stats of
every connected, interested peer it decides which bounded subset may
download from this node during the next interval. Implementations must be
deterministic between interval boundaries: the caller re-evaluates only on
its fixed cadence, so decisions never thrash on instantaneous rate spikes.
*/
type ChokingStrategy interface {
	Name() string
	SelectUnchoked(stats map[string]PeerStats, maxUnchoked int, seeding bool) map[string]bool
}

// --------------------------------------------------------------------------------------------- //

// TitForTat unchokes the peers providing the best reciprocity, nothing else.
type TitForTat struct{}

func (TitForTat) Name() string { return "tit-for-tat" }

func (TitForTat) SelectUnchoked(stats map[string]PeerStats, maxUnchoked int, seeding bool) map[string]bool {
	ranked := rankPeers(stats, seeding)

	unchoked := make(map[string]bool)
	for _, addr := range ranked {
		if len(unchoked) >= maxUnchoked {
			break
		}
		unchoked[addr] = true
	}
	return unchoked
}

// --------------------------------------------------------------------------------------------- //

/*
OptimisticUnchoke is the default policy: the top peers by reciprocity fill
the regular slots, and one extra rotating slot unchokes a peer regardless of
its contribution so new or idle peers get a chance to prove themselves. The
optimistic pick rotates on its own interval, independent of the ranking.
*/
type OptimisticUnchoke struct {
	RotationInterval time.Duration

	mu           sync.Mutex
	optimistic   string
	lastRotation time.Time
	rng          *rand.Rand
}

func NewOptimisticUnchoke(rotation time.Duration, seed int64) *OptimisticUnchoke {
	return &OptimisticUnchoke{
		RotationInterval: rotation,
		rng:              rand.New(rand.NewSource(seed)),
	}
}

func (*OptimisticUnchoke) Name() string { return "optimistic-unchoke" }

func (o *OptimisticUnchoke) SelectUnchoked(stats map[string]PeerStats, maxUnchoked int, seeding bool) map[string]bool {
	o.mu.Lock()
	now := time.Now()
	_, stillHere := stats[o.optimistic]
	if !stillHere || o.optimistic == "" || now.Sub(o.lastRotation) > o.RotationInterval {
		o.rotate(stats, now)
	}
	optimistic := o.optimistic
	o.mu.Unlock()

	// Regular slots go to the top-ranked peers; the optimistic pick rides
	// on top of them, never displacing a ranked peer.
	unchoked := make(map[string]bool)
	ranked := rankPeers(stats, seeding)
	for i := 0; i < len(ranked) && i < maxUnchoked; i++ {
		unchoked[ranked[i]] = true
	}
	if optimistic != "" {
		unchoked[optimistic] = true
	}

	return unchoked
}

// rotate picks a new optimistic peer uniformly at random. Caller holds the
// lock.
func (o *OptimisticUnchoke) rotate(stats map[string]PeerStats, now time.Time) {
	addrs := make([]string, 0, len(stats))
	for addr := range stats {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	o.optimistic = ""
	if len(addrs) > 0 {
		o.optimistic = addrs[o.rng.Intn(len(addrs))]
		o.lastRotation = now
	}
}

// --------------------------------------------------------------------------------------------- //

// rankPeers orders peer addresses by reciprocity, best first, ties broken by
// address so the ranking is stable between evaluations.
func rankPeers(stats map[string]PeerStats, seeding bool) []string {
	addrs := make([]string, 0, len(stats))
	for addr := range stats {
		addrs = append(addrs, addr)
	}

	sort.Slice(addrs, func(i, j int) bool {
		a, b := stats[addrs[i]].reciprocity(seeding), stats[addrs[j]].reciprocity(seeding)
		if a != b {
			return a > b
		}
		return addrs[i] < addrs[j]
	})

	return addrs
}

// --------------------------------------------------------------------------------------------- //

/*
UploadSlotManager owns the per-peer transfer stats and applies the choking
strategy on demand. Connections feed it byte counts; the node asks for the
unchoke set once per choking interval and applies the decision to its pool.
*/
type UploadSlotManager struct {
	mu         sync.Mutex
	strategy   ChokingStrategy
	maxSlots   int
	seeding    bool
	stats      map[string]*PeerStats
	interested map[string]bool
}

func NewUploadSlotManager(strategy ChokingStrategy, maxSlots int) *UploadSlotManager {
	return &UploadSlotManager{
		strategy:   strategy,
		maxSlots:   maxSlots,
		stats:      make(map[string]*PeerStats),
		interested: make(map[string]bool),
	}
}

// Update records transferred byte counts for a peer and refreshes its rates.
func (m *UploadSlotManager) Update(addr string, downloaded, uploaded int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s, ok := m.stats[addr]
	if !ok {
		s = &PeerStats{LastUpdated: now}
		m.stats[addr] = s
	}

	s.DownloadTotal += downloaded
	s.UploadTotal += uploaded

	if dt := now.Sub(s.LastUpdated).Seconds(); dt > 0 {
		s.DownloadRate = float64(downloaded) / dt
		s.UploadRate = float64(uploaded) / dt
	}
	s.LastUpdated = now
}

// SetInterested tracks whether a peer wants data from this node; only
// interested peers compete for upload slots.
func (m *UploadSlotManager) SetInterested(addr string, interested bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.interested[addr] = interested
	if _, ok := m.stats[addr]; !ok {
		m.stats[addr] = &PeerStats{LastUpdated: time.Now()}
	}
}

// Forget drops all bookkeeping for a disconnected peer.
func (m *UploadSlotManager) Forget(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, addr)
	delete(m.interested, addr)
}

// SetSeeding switches the ranking metric to upload capacity.
func (m *UploadSlotManager) SetSeeding(seeding bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeding = seeding
}

// Unchoked returns the set of peer addresses that may download from this
// node until the next evaluation.
func (m *UploadSlotManager) Unchoked() map[string]bool {
	m.mu.Lock()
	snapshot := make(map[string]PeerStats)
	for addr, s := range m.stats {
		if m.interested[addr] {
			snapshot[addr] = *s
		}
	}
	maxSlots, seeding := m.maxSlots, m.seeding
	strategy := m.strategy
	m.mu.Unlock()

	return strategy.SelectUnchoked(snapshot, maxSlots, seeding)
}

// --------------------------------------------------------------------------------------------- //
