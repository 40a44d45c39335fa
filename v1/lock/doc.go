// Package lock provides a distributed lock manager over one or more store
// nodes. Acquisition follows the Redlock scheme: a lease is granted when a
// majority of nodes accepted it and enough of its TTL is left after
// subtracting the time spent acquiring and the clock drift allowance. Leases
// expire on their own, so a crashed holder never blocks a resource forever.
package lock
