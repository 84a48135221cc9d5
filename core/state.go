package core

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Pilot-flying sentinels disseminated via SHAREDINFO. Any other value
// is the identity of the simulator currently flying.
const (
	NoControlLocks  = "NO_CONTROL_LOCKS"
	AllControlLocks = "ALL_CONTROL_LOCKS"
)

// RouterInfo is one peer router's gossiped state, stored verbatim and
// indexed by uuid.
type RouterInfo struct {
	UUID     string
	Raw      []byte
	Received time.Time
}

// SharedState is the cluster-wide state gossiped between routers:
// who is master, and which simulator is pilot flying.
type SharedState struct {
	mu          sync.Mutex
	master      bool
	masterUUID  string
	pilotFlying string
	emitReq     bool

	routerInfos *xsync.Map[string, RouterInfo]
}

// NewSharedState creates shared state with no pilot-flying lockout.
func NewSharedState() *SharedState {
	return &SharedState{
		pilotFlying: NoControlLocks,
		routerInfos: xsync.NewMap[string, RouterInfo](),
	}
}

// SetMaster marks whether this router believes it is the cluster master.
func (s *SharedState) SetMaster(master bool) {
	s.mu.Lock()
	s.master = master
	s.mu.Unlock()
}

// Master reports whether this router believes it is the cluster master.
func (s *SharedState) Master() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// MasterUUID returns the uuid of the router last seen as master.
func (s *SharedState) MasterUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterUUID
}

// SetMasterUUID records the master's uuid from a SHAREDINFO message.
func (s *SharedState) SetMasterUUID(uuid string) {
	s.mu.Lock()
	s.masterUUID = uuid
	s.mu.Unlock()
}

// ResolveMaster handles a SHAREDINFO arriving while we think we are
// master: the higher uuid keeps the role. Reports whether we kept it.
func (s *SharedState) ResolveMaster(ourUUID, remoteUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.master {
		return false
	}
	if ourUUID < remoteUUID {
		s.master = false
		return false
	}
	return true
}

// PilotFlying returns the current pilot-flying identity or sentinel.
func (s *SharedState) PilotFlying() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pilotFlying
}

// SetPilotFlying updates the pilot-flying state and requests a
// SHAREDINFO re-emit.
func (s *SharedState) SetPilotFlying(v string) {
	s.mu.Lock()
	s.pilotFlying = v
	s.emitReq = true
	s.mu.Unlock()
}

// RequestEmit asks the RDP scheduler to re-emit SHAREDINFO.
func (s *SharedState) RequestEmit() {
	s.mu.Lock()
	s.emitReq = true
	s.mu.Unlock()
}

// TakeEmitRequest consumes a pending re-emit request.
func (s *SharedState) TakeEmitRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.emitReq
	s.emitReq = false
	return req
}

// StoreRouterInfo stores a peer's gossiped state by uuid.
func (s *SharedState) StoreRouterInfo(uuid string, raw []byte) {
	s.routerInfos.Store(uuid, RouterInfo{
		UUID:     uuid,
		Raw:      append([]byte(nil), raw...),
		Received: time.Now(),
	})
}

// RouterInfos returns a snapshot of all gossiped peer states.
func (s *SharedState) RouterInfos() []RouterInfo {
	out := make([]RouterInfo, 0, s.routerInfos.Size())
	s.routerInfos.Range(func(_ string, ri RouterInfo) bool {
		out = append(out, ri)
		return true
	})
	return out
}
