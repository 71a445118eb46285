package membership

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel errors returned by membership constructors and transitions.
var (
	// ErrNoVoters is returned when a configuration carries an empty voter set.
	ErrNoVoters = errors.New("membership: voter set is empty")

	// ErrZeroID is returned when a server id of zero is used. Id zero is
	// reserved to mean "no server".
	ErrZeroID = errors.New("membership: server id zero is reserved")

	// ErrDuplicateID is returned when the same server id appears twice in
	// one configuration.
	ErrDuplicateID = errors.New("membership: duplicate server id")

	// ErrMissingAddr is returned when a server is listed without an address.
	ErrMissingAddr = errors.New("membership: server address is empty")

	// ErrAlreadyVoter is returned when a learner is added under an id that
	// already belongs to a voter.
	ErrAlreadyVoter = errors.New("membership: server is already a voter")

	// ErrNotLearner is returned when a learner transition names a server
	// that is not a learner.
	ErrNotLearner = errors.New("membership: server is not a learner")

	// ErrCorrupt is returned when a serialized membership cannot be decoded.
	ErrCorrupt = errors.New("membership: corrupt encoding")
)

// Peer identifies one server of the group and the address it listens on.
type Peer struct {
	ID   uint64
	Addr string
}

// Membership is one configuration of the replication group. It holds one
// voter set in steady state and two while a joint change is in flight,
// plus the learners and the address of every member. The zero value is
// not usable; construct values with New and derive new ones with the
// transition methods.
type Membership struct {
	sets     [][]uint64 // one or two voter sets, each sorted ascending
	learners []uint64   // sorted ascending, disjoint from all voter sets
	addrs    map[uint64]string
}

// New builds a single (non-joint) membership from the given voters.
func New(voters []Peer) (*Membership, error) {
	m := &Membership{addrs: make(map[uint64]string)}
	set, err := m.addSet(voters)
	if err != nil {
		return nil, err
	}
	m.sets = [][]uint64{set}
	return m, nil
}

// addSet validates the peers, records their addresses and returns the
// sorted id set.
func (m *Membership) addSet(peers []Peer) ([]uint64, error) {
	if len(peers) == 0 {
		return nil, ErrNoVoters
	}
	set := make([]uint64, 0, len(peers))
	seen := make(map[uint64]bool, len(peers))
	for _, p := range peers {
		if p.ID == 0 {
			return nil, ErrZeroID
		}
		if p.Addr == "" {
			return nil, fmt.Errorf("%w: server %d", ErrMissingAddr, p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: server %d", ErrDuplicateID, p.ID)
		}
		seen[p.ID] = true
		set = append(set, p.ID)
		m.addrs[p.ID] = p.Addr
	}
	sortIDs(set)
	return set, nil
}

// Joint starts a two-phase change toward the given voter set. The result
// carries both the current final set and the target set; quorum decisions
// then require a majority of each. Learners that appear in the target set
// are promoted and leave the learner list. Addresses of the target peers
// replace any previously known addresses for those ids.
func (m *Membership) Joint(target []Peer) (*Membership, error) {
	next := &Membership{addrs: make(map[uint64]string, len(m.addrs))}
	for id, addr := range m.addrs {
		next.addrs[id] = addr
	}
	newSet, err := next.addSet(target)
	if err != nil {
		return nil, err
	}
	old := m.sets[len(m.sets)-1]
	next.sets = [][]uint64{copyIDs(old), newSet}
	for _, id := range m.learners {
		if !containsID(newSet, id) {
			next.learners = append(next.learners, id)
		}
	}
	return next, nil
}

// Final collapses a joint membership to its target voter set. Servers that
// belong to neither the target set nor the learner list are dropped from
// the address book. Calling Final on a non-joint membership returns an
// equivalent copy.
func (m *Membership) Final() *Membership {
	last := m.sets[len(m.sets)-1]
	next := &Membership{
		sets:     [][]uint64{copyIDs(last)},
		learners: copyIDs(m.learners),
		addrs:    make(map[uint64]string, len(last)+len(m.learners)),
	}
	for _, id := range last {
		next.addrs[id] = m.addrs[id]
	}
	for _, id := range m.learners {
		next.addrs[id] = m.addrs[id]
	}
	return next
}

// WithLearner returns a membership with the given server added as a
// learner. Adding an existing learner updates its address.
func (m *Membership) WithLearner(p Peer) (*Membership, error) {
	if p.ID == 0 {
		return nil, ErrZeroID
	}
	if p.Addr == "" {
		return nil, fmt.Errorf("%w: server %d", ErrMissingAddr, p.ID)
	}
	if m.IsVoter(p.ID) {
		return nil, fmt.Errorf("%w: server %d", ErrAlreadyVoter, p.ID)
	}
	next := m.clone()
	if !containsID(next.learners, p.ID) {
		next.learners = append(next.learners, p.ID)
		sortIDs(next.learners)
	}
	next.addrs[p.ID] = p.Addr
	return next, nil
}

// WithoutLearner returns a membership with the given learner removed.
// Voters cannot be removed this way; that requires a joint change.
func (m *Membership) WithoutLearner(id uint64) (*Membership, error) {
	if !m.IsLearner(id) {
		return nil, fmt.Errorf("%w: server %d", ErrNotLearner, id)
	}
	next := m.clone()
	out := next.learners[:0]
	for _, l := range next.learners {
		if l != id {
			out = append(out, l)
		}
	}
	next.learners = out
	delete(next.addrs, id)
	return next, nil
}

func (m *Membership) clone() *Membership {
	next := &Membership{
		sets:     make([][]uint64, len(m.sets)),
		learners: copyIDs(m.learners),
		addrs:    make(map[uint64]string, len(m.addrs)),
	}
	for i, s := range m.sets {
		next.sets[i] = copyIDs(s)
	}
	for id, addr := range m.addrs {
		next.addrs[id] = addr
	}
	return next
}

// IsJoint reports whether a two-phase change is in flight.
func (m *Membership) IsJoint() bool { return len(m.sets) == 2 }

// IsVoter reports whether id belongs to any active voter set.
func (m *Membership) IsVoter(id uint64) bool {
	for _, s := range m.sets {
		if containsID(s, id) {
			return true
		}
	}
	return false
}

// IsLearner reports whether id is a learner.
func (m *Membership) IsLearner(id uint64) bool { return containsID(m.learners, id) }

// Contains reports whether id is a voter or a learner.
func (m *Membership) Contains(id uint64) bool { return m.IsVoter(id) || m.IsLearner(id) }

// Addr returns the address recorded for id.
func (m *Membership) Addr(id uint64) (string, bool) {
	addr, ok := m.addrs[id]
	return addr, ok
}

// Voters returns the union of all active voter sets, sorted ascending.
func (m *Membership) Voters() []uint64 {
	if len(m.sets) == 1 {
		return copyIDs(m.sets[0])
	}
	seen := make(map[uint64]bool, len(m.sets[0])+len(m.sets[1]))
	var union []uint64
	for _, s := range m.sets {
		for _, id := range s {
			if !seen[id] {
				seen[id] = true
				union = append(union, id)
			}
		}
	}
	sortIDs(union)
	return union
}

// VoterSets returns copies of the active voter sets.
func (m *Membership) VoterSets() [][]uint64 {
	out := make([][]uint64, len(m.sets))
	for i, s := range m.sets {
		out[i] = copyIDs(s)
	}
	return out
}

// Learners returns the learner ids, sorted ascending.
func (m *Membership) Learners() []uint64 { return copyIDs(m.learners) }

// Peers returns every member (voters and learners) with its address,
// sorted by id.
func (m *Membership) Peers() []Peer {
	ids := m.Voters()
	ids = append(ids, m.learners...)
	sortIDs(ids)
	peers := make([]Peer, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, Peer{ID: id, Addr: m.addrs[id]})
	}
	return peers
}

// Remotes returns every member except self. Leaders replicate to exactly
// this set: all voters and learners.
func (m *Membership) Remotes(self uint64) []Peer {
	peers := m.Peers()
	out := peers[:0]
	for _, p := range peers {
		if p.ID != self {
			out = append(out, p)
		}
	}
	return out
}

// HasQuorum reports whether the granted set reaches a majority of every
// active voter set. Grants from learners or unknown servers are ignored.
func (m *Membership) HasQuorum(granted map[uint64]bool) bool {
	for _, s := range m.sets {
		n := 0
		for _, id := range s {
			if granted[id] {
				n++
			}
		}
		if n < majority(len(s)) {
			return false
		}
	}
	return true
}

// AgreedIndex returns the highest log index that a majority of every
// active voter set has durably stored, given each voter's match index.
// Voters without progress report zero.
func (m *Membership) AgreedIndex(match func(id uint64) uint64) uint64 {
	agreed := ^uint64(0)
	for _, s := range m.sets {
		vals := make([]uint64, 0, len(s))
		for _, id := range s {
			vals = append(vals, match(id))
		}
		sort.Slice(vals, func(i, j int) bool { return vals[i] > vals[j] })
		setAgreed := vals[majority(len(s))-1]
		if setAgreed < agreed {
			agreed = setAgreed
		}
	}
	return agreed
}

// AgreedTime returns the most recent instant at which a majority of every
// active voter set had acknowledged the leader, given each voter's last
// acknowledgement time. The zero time propagates: if any set lacks a
// majority of acknowledgements the result is the zero time.
func (m *Membership) AgreedTime(ack func(id uint64) time.Time) time.Time {
	var agreed time.Time
	first := true
	for _, s := range m.sets {
		vals := make([]time.Time, 0, len(s))
		for _, id := range s {
			vals = append(vals, ack(id))
		}
		sort.Slice(vals, func(i, j int) bool { return vals[i].After(vals[j]) })
		setAgreed := vals[majority(len(s))-1]
		if first || setAgreed.Before(agreed) {
			agreed = setAgreed
			first = false
		}
	}
	return agreed
}

// String renders the membership in a compact single-line form.
func (m *Membership) String() string {
	var b strings.Builder
	b.WriteString("voters=")
	for i, s := range m.sets {
		if i > 0 {
			b.WriteString("+")
		}
		writeIDList(&b, s)
	}
	if len(m.learners) > 0 {
		b.WriteString(" learners=")
		writeIDList(&b, m.learners)
	}
	return b.String()
}

func writeIDList(b *strings.Builder, ids []uint64) {
	b.WriteString("[")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(b, "%d", id)
	}
	b.WriteString("]")
}

// Serialize encodes the membership for storage in a log entry or a
// snapshot header.
//
// Format:
//
//	[NumSets:1][per set: Count:2, IDs:8 each]
//	[NumLearners:2][IDs:8 each]
//	[NumAddrs:2][per addr: ID:8, AddrLen:2, Addr:N]
func (m *Membership) Serialize() []byte {
	size := 1
	for _, s := range m.sets {
		size += 2 + 8*len(s)
	}
	size += 2 + 8*len(m.learners)
	size += 2
	for _, addr := range m.addrs {
		size += 8 + 2 + len(addr)
	}
	buf := make([]byte, 0, size)

	buf = append(buf, byte(len(m.sets)))
	for _, s := range m.sets {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
		for _, id := range s {
			buf = binary.LittleEndian.AppendUint64(buf, id)
		}
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.learners)))
	for _, id := range m.learners {
		buf = binary.LittleEndian.AppendUint64(buf, id)
	}

	ids := make([]uint64, 0, len(m.addrs))
	for id := range m.addrs {
		ids = append(ids, id)
	}
	sortIDs(ids)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ids)))
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint64(buf, id)
		addr := m.addrs[id]
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(addr)))
		buf = append(buf, addr...)
	}
	return buf
}

// Deserialize decodes a membership produced by Serialize.
func Deserialize(data []byte) (*Membership, error) {
	r := reader{data: data}
	nsets := int(r.byte())
	if r.err != nil || nsets < 1 || nsets > 2 {
		return nil, ErrCorrupt
	}
	m := &Membership{addrs: make(map[uint64]string)}
	for i := 0; i < nsets; i++ {
		n := int(r.uint16())
		set := make([]uint64, 0, n)
		for j := 0; j < n; j++ {
			set = append(set, r.uint64())
		}
		if r.err != nil || len(set) == 0 {
			return nil, ErrCorrupt
		}
		m.sets = append(m.sets, set)
	}
	nlearn := int(r.uint16())
	for i := 0; i < nlearn; i++ {
		m.learners = append(m.learners, r.uint64())
	}
	naddr := int(r.uint16())
	for i := 0; i < naddr; i++ {
		id := r.uint64()
		addr := r.string()
		if r.err != nil {
			return nil, ErrCorrupt
		}
		m.addrs[id] = addr
	}
	if r.err != nil || len(r.data) != r.off {
		return nil, ErrCorrupt
	}
	for _, s := range m.sets {
		for _, id := range s {
			if _, ok := m.addrs[id]; !ok {
				return nil, ErrCorrupt
			}
		}
	}
	for _, id := range m.learners {
		if _, ok := m.addrs[id]; !ok {
			return nil, ErrCorrupt
		}
	}
	return m, nil
}

// reader walks a byte slice with sticky error handling.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) byte() byte {
	if r.err != nil || r.off+1 > len(r.data) {
		r.err = ErrCorrupt
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

func (r *reader) uint16() uint16 {
	if r.err != nil || r.off+2 > len(r.data) {
		r.err = ErrCorrupt
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil || r.off+8 > len(r.data) {
		r.err = ErrCorrupt
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *reader) string() string {
	n := int(r.uint16())
	if r.err != nil || r.off+n > len(r.data) {
		r.err = ErrCorrupt
		return ""
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s
}

func majority(n int) int { return n/2 + 1 }

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func copyIDs(ids []uint64) []uint64 {
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
