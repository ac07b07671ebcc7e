// =============================================================================
// STORAGE - Where Acceptor Records Live
// =============================================================================
//
// Every acceptor keeps one record per consensus instance:
//
//   Promised  - highest proposal number promised
//   Accepted  - highest proposal number accepted
//   Value     - value accepted at Accepted
//
// The acceptor hands the full record to Save before it answers a Prepare or
// an Accept, so whatever a store keeps is never behind what a proposer was
// told.
//
// MemoryStorage keeps records for the lifetime of the process only. A record
// that has to survive a crash needs a store whose Save returns after the
// bytes are on disk (write, then fsync). Any such store plugs in here by
// satisfying Storage.
//
// =============================================================================

package storage

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/senutpal/quorumkv/internal/paxos"
)

var log = logging.Logger("storage")

// Storage is a paxos.StateStore with enumeration and a lifecycle.
type Storage interface {
	paxos.StateStore
	Instances() ([]paxos.InstanceID, error)
	Close() error
}
