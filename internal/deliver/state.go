package deliver

import (
	"fmt"
	"time"
)

type State int32

const (
	Disconnected State = iota
	SyncingTime
	DrainingBuffer
	PublishingFresh
	IdleWait
)

var stateNames = [...]string{
	Disconnected:    "disconnected",
	SyncingTime:     "syncing-time",
	DrainingBuffer:  "draining-buffer",
	PublishingFresh: "publishing-fresh",
	IdleWait:        "idle-wait",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func StateNames() []string { return append([]string(nil), stateNames[:]...) }

// Session is what coordinator knows about current connection.
// Reset on reconnect, except PendingCommit.
type Session struct {
	Reachable   bool
	ClockSynced bool
	SyncedAt    time.Time
	// PendingCommit is count of delivered records still in buffer after failed Commit.
	PendingCommit int
}

func (s *Session) reset() {
	s.Reachable = false
	s.ClockSynced = false
	s.SyncedAt = time.Time{}
}
