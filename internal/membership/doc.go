// Package membership tracks the set of servers that form a replication
// group: voters, learners, and the network addresses of both.
//
// A membership carries one voter set in steady state and two voter sets
// while a configuration change is in flight (a "joint" membership). All
// quorum arithmetic lives here so that the consensus core never counts
// votes itself: a joint membership reaches agreement only when a majority
// of every voter set agrees.
//
// Values of type Membership are immutable. Transition helpers (Joint,
// Final, WithLearner, WithoutLearner) return a new value and leave the
// receiver untouched, which lets the consensus core keep the committed
// and effective configurations side by side without copying.
package membership
