package multicast

import "log/slog"

// Clock reports the current GPS-epoch wall-clock time in seconds. The
// clocksync package's session keeps this synchronized.
type Clock interface {
	Now() uint32
}

type group struct {
	active  bool
	id      uint8
	addr    [4]byte
	appSKey [16]byte
	nwkSKey [16]byte
	minFC   uint32
	maxFC   uint32
}

type classCSession struct {
	active    bool
	groupID   uint8
	startTime uint32
	timeoutExp uint8
	freqHz100 uint32
	dr        uint8
}

// ClassCSessionInfo is the full session tuple a host needs to actually
// join a scheduled class-C multicast session: the group's multicast
// device address and derived session keys, alongside the radio
// parameters and the session's own deadline/timeout.
type ClassCSessionInfo struct {
	DeviceAddr [4]byte
	NwkSKey    [16]byte
	AppSKey    [16]byte
	FreqHz     uint32
	DR         uint8
	GroupID    uint8
	DeadlineS  uint32
	TimeoutExp uint8
}

// Manager holds the fixed four-slot group table and the one
// outstanding class-C session scheduled against it. onFire, if
// non-nil, is invoked once the scheduled session's start time has
// arrived, whether that's discovered immediately (the request named a
// past start time) or later, when Rearm re-evaluates after a clock
// correction.
type Manager struct {
	logger *slog.Logger
	clock  Clock
	appKey [16]byte
	onFire func(ClassCSessionInfo)

	groups  [NumGroupSlots]group
	session classCSession
}

func NewManager(appKey [16]byte, clock Clock, onFire func(ClassCSessionInfo), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{appKey: appKey, clock: clock, onFire: onFire, logger: logger}
}

// Setup provisions a group slot, deriving its session keys from the
// request's encrypted mc_key_root field.
func (m *Manager) Setup(req McGroupSetupReq) McGroupSetupAns {
	if req.McGroupID >= NumGroupSlots {
		return McGroupSetupAns{McGroupID: req.McGroupID, IDError: true}
	}
	mcKeyRoot, err := DecryptMcKey(m.appKey, req.McKeyEncrypted)
	if err != nil {
		m.logger.Error("multicast:key-derivation-failed", "err", err)
		return McGroupSetupAns{McGroupID: req.McGroupID, IDError: true}
	}
	appSKey, nwkSKey, err := DeriveSessionKeys(mcKeyRoot)
	if err != nil {
		m.logger.Error("multicast:key-derivation-failed", "err", err)
		return McGroupSetupAns{McGroupID: req.McGroupID, IDError: true}
	}

	m.groups[req.McGroupID] = group{
		active:  true,
		id:      req.McGroupID,
		addr:    req.McAddr,
		appSKey: appSKey,
		nwkSKey: nwkSKey,
		minFC:   req.MinFCFCount,
		maxFC:   req.MaxFCFCount,
	}
	return McGroupSetupAns{McGroupID: req.McGroupID}
}

func (m *Manager) Delete(req McGroupDeleteReq) McGroupDeleteAns {
	if req.McGroupID >= NumGroupSlots || !m.groups[req.McGroupID].active {
		return McGroupDeleteAns{McGroupID: req.McGroupID, McGroupUndefined: true}
	}
	m.groups[req.McGroupID] = group{}
	if m.session.active && m.session.groupID == req.McGroupID {
		m.session = classCSession{}
	}
	return McGroupDeleteAns{McGroupID: req.McGroupID}
}

func (m *Manager) Status(req McGroupStatusReq) McGroupStatusAns {
	ans := McGroupStatusAns{}
	for id := uint8(0); id < NumGroupSlots; id++ {
		if req.ReqGroupMask&(1<<id) == 0 {
			continue
		}
		g := m.groups[id]
		if !g.active {
			continue
		}
		ans.NbActiveGroups++
		ans.AnsGroupMask |= 1 << id
		ans.Groups = append(ans.Groups, ActiveGroup{McGroupID: g.id, McAddr: g.addr})
	}
	return ans
}

// ClassCSession schedules a class-C session for an already-provisioned
// group, returning the time-to-start delta in seconds or an error flag
// if the group is undefined or the radio parameters are unsupported.
func (m *Manager) ClassCSession(req McClassCSessionReq, supportedFreqs []uint32, supportedDRs []uint8) McClassCSessionAns {
	if req.McGroupID >= NumGroupSlots || !m.groups[req.McGroupID].active {
		return McClassCSessionAns{McGroupID: req.McGroupID, McGroupUndefined: true}
	}
	if !containsUint32(supportedFreqs, req.FreqHz100*100) {
		return McClassCSessionAns{McGroupID: req.McGroupID, FreqNotSupported: true}
	}
	if !containsUint8(supportedDRs, req.DR) {
		return McClassCSessionAns{McGroupID: req.McGroupID, DRNotSupported: true}
	}

	now := m.clock.Now()
	var delta uint32
	if req.SessionTime > now {
		delta = req.SessionTime - now
	}
	m.session = classCSession{
		active:     true,
		groupID:    req.McGroupID,
		startTime:  req.SessionTime,
		timeoutExp: req.SessionTimeOut,
		freqHz100:  req.FreqHz100,
		dr:         req.DR,
	}
	if delta == 0 {
		m.fire()
	}
	return McClassCSessionAns{McGroupID: req.McGroupID, TimeToStartDelta: delta}
}

// Rearm re-evaluates the pending class-C session's start delta after a
// clock correction (or a host-reported timer firing), so a large
// adjustment doesn't fire the session late or early against the
// corrected wall clock.
func (m *Manager) Rearm() {
	if !m.session.active {
		return
	}
	now := m.clock.Now()
	if m.session.startTime <= now {
		m.fire()
	}
}

// fire transitions the due session into a live one, handing the host
// the full join tuple via onFire and marking the slot's scheduled
// session consumed so a later Rearm is a no-op.
func (m *Manager) fire() {
	g := m.groups[m.session.groupID]
	info := ClassCSessionInfo{
		DeviceAddr: g.addr,
		NwkSKey:    g.nwkSKey,
		AppSKey:    g.appSKey,
		FreqHz:     m.session.freqHz100 * 100,
		DR:         m.session.dr,
		GroupID:    m.session.groupID,
		DeadlineS:  m.clock.Now() + uint32(1)<<m.session.timeoutExp,
		TimeoutExp: m.session.timeoutExp,
	}
	m.logger.Info("multicast:class-c-session-due", "group", m.session.groupID)
	m.session.active = false
	if m.onFire != nil {
		m.onFire(info)
	}
}

// GroupIDForAddr looks up the slot of the active group provisioned
// with addr, for validating which multicast address may deliver
// fragmentation-transport data fragments.
func (m *Manager) GroupIDForAddr(addr [4]byte) (uint8, bool) {
	for id := uint8(0); id < NumGroupSlots; id++ {
		g := m.groups[id]
		if g.active && g.addr == addr {
			return id, true
		}
	}
	return 0, false
}

func containsUint32(s []uint32, v uint32) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsUint8(s []uint8, v uint8) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
