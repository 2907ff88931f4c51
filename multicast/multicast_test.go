package multicast

import (
	"bytes"
	"testing"
)

type fakeClock struct{ t uint32 }

func (f fakeClock) Now() uint32 { return f.t }

// mutableClock lets a test advance wall-clock time between calls, to
// exercise Rearm's re-evaluation of a pending session.
type mutableClock struct{ t uint32 }

func (c *mutableClock) Now() uint32 { return c.t }

func newTestManager(now uint32) *Manager {
	var appKey [16]byte
	return NewManager(appKey, fakeClock{now}, nil, nil)
}

func setupReqBytes(groupID uint8, addr [4]byte, key [16]byte, minFC, maxFC uint32) []byte {
	b := []byte{CIDMcGroupSetup, groupID}
	b = append(b, addr[:]...)
	b = append(b, key[:]...)
	b = append(b, byte(minFC), byte(minFC>>8), byte(minFC>>16), byte(minFC>>24))
	b = append(b, byte(maxFC), byte(maxFC>>8), byte(maxFC>>16), byte(maxFC>>24))
	return b
}

func TestParseMcGroupSetupReqInvalidLength(t *testing.T) {
	_, err := ParseMcGroupSetupReq([]byte{CIDMcGroupSetup, 0, 1, 2, 3, 4})
	if err == nil {
		t.Fatalf("ParseMcGroupSetupReq() error = nil, want InvalidPacketLength")
	}
}

func TestSetupUndefinedGroupID(t *testing.T) {
	addr := [4]byte{0x3e, 0xaa, 0x24, 0x18}
	var key [16]byte
	raw := setupReqBytes(4, addr, key, 0, 0)
	req, err := ParseMcGroupSetupReq(raw)
	if err != nil {
		t.Fatalf("ParseMcGroupSetupReq() error = %v", err)
	}

	m := newTestManager(0)
	ans := m.Setup(req)
	if !ans.IDError {
		t.Fatalf("IDError = false, want true for group id %d", req.McGroupID)
	}
}

func TestSetupAndStatus(t *testing.T) {
	addr := [4]byte{0x3e, 0xaa, 0x24, 0x18}
	var key [16]byte
	raw := setupReqBytes(0, addr, key, 0, 0xFFFFFFFF)
	req, err := ParseMcGroupSetupReq(raw)
	if err != nil {
		t.Fatalf("ParseMcGroupSetupReq() error = %v", err)
	}

	m := newTestManager(0)
	ans := m.Setup(req)
	if ans.IDError {
		t.Fatalf("IDError = true, want false")
	}
	want := []byte{CIDMcGroupSetup, 0}
	if !bytes.Equal(ans.Marshal(), want) {
		t.Errorf("Marshal() = %#v, want %#v", ans.Marshal(), want)
	}

	status := m.Status(McGroupStatusReq{ReqGroupMask: 0xF})
	if status.NbActiveGroups != 1 {
		t.Fatalf("NbActiveGroups = %d, want 1", status.NbActiveGroups)
	}
	if status.AnsGroupMask != 0b0001 {
		t.Fatalf("AnsGroupMask = %#b, want 0b0001", status.AnsGroupMask)
	}
	gotMarshal := status.Marshal()
	wantMarshal := []byte{CIDMcGroupStatus, 0b010001, 0, 0x3e, 0xaa, 0x24, 0x18}
	if !bytes.Equal(gotMarshal, wantMarshal) {
		t.Errorf("Marshal() = %#v, want %#v", gotMarshal, wantMarshal)
	}
}

func TestStatusNoActiveGroups(t *testing.T) {
	m := newTestManager(0)
	status := m.Status(McGroupStatusReq{ReqGroupMask: 0xF})
	want := []byte{CIDMcGroupStatus, 0}
	if !bytes.Equal(status.Marshal(), want) {
		t.Errorf("Marshal() = %#v, want %#v", status.Marshal(), want)
	}
}

func TestDeleteUndefinedGroup(t *testing.T) {
	m := newTestManager(0)
	ans := m.Delete(McGroupDeleteReq{McGroupID: 2})
	if !ans.McGroupUndefined {
		t.Fatalf("McGroupUndefined = false, want true")
	}
	want := []byte{CIDMcGroupDelete, 0b110}
	if !bytes.Equal(ans.Marshal(), want) {
		t.Errorf("Marshal() = %#v, want %#v", ans.Marshal(), want)
	}
}

func TestDeleteThenDeleteAgain(t *testing.T) {
	addr := [4]byte{}
	var key [16]byte
	req, _ := ParseMcGroupSetupReq(setupReqBytes(0, addr, key, 0, 0))
	m := newTestManager(0)
	m.Setup(req)

	ans := m.Delete(McGroupDeleteReq{McGroupID: 0})
	if ans.McGroupUndefined {
		t.Fatalf("first delete: McGroupUndefined = true, want false")
	}
	ans = m.Delete(McGroupDeleteReq{McGroupID: 0})
	if !ans.McGroupUndefined {
		t.Fatalf("second delete: McGroupUndefined = false, want true")
	}
	want := []byte{CIDMcGroupDelete, 0b100}
	if !bytes.Equal(ans.Marshal(), want) {
		t.Errorf("Marshal() = %#v, want %#v", ans.Marshal(), want)
	}
}

func TestClassCSessionUndefinedGroup(t *testing.T) {
	m := newTestManager(0)
	req := McClassCSessionReq{McGroupID: 2, SessionTime: 100}
	ans := m.ClassCSession(req, []uint32{869525000}, []uint8{0, 1, 2, 3})
	if !ans.McGroupUndefined {
		t.Fatalf("McGroupUndefined = false, want true")
	}
	want := []byte{CIDMcClassCSession, 0b10010}
	if !bytes.Equal(ans.Marshal(), want) {
		t.Errorf("Marshal() = %#v, want %#v", ans.Marshal(), want)
	}
}

func TestClassCSessionFutureStart(t *testing.T) {
	addr := [4]byte{}
	var key [16]byte
	req, _ := ParseMcGroupSetupReq(setupReqBytes(0, addr, key, 0, 0))
	m := newTestManager(100)
	m.Setup(req)

	sessionReq := McClassCSessionReq{McGroupID: 0, SessionTime: 103, FreqHz100: 8695250, DR: 2}
	ans := m.ClassCSession(sessionReq, []uint32{869525000}, []uint8{0, 1, 2, 3})
	if ans.McGroupUndefined || ans.FreqNotSupported || ans.DRNotSupported {
		t.Fatalf("ClassCSession() unexpected error flags: %+v", ans)
	}
	if ans.TimeToStartDelta != 3 {
		t.Errorf("TimeToStartDelta = %d, want 3", ans.TimeToStartDelta)
	}
}

func TestClassCSessionPastStart(t *testing.T) {
	addr := [4]byte{}
	var key [16]byte
	req, _ := ParseMcGroupSetupReq(setupReqBytes(0, addr, key, 0, 0))
	m := newTestManager(200)
	m.Setup(req)

	sessionReq := McClassCSessionReq{McGroupID: 0, SessionTime: 100, FreqHz100: 8695250, DR: 2}
	ans := m.ClassCSession(sessionReq, []uint32{869525000}, []uint8{0, 1, 2, 3})
	if ans.TimeToStartDelta != 0 {
		t.Errorf("TimeToStartDelta = %d, want 0", ans.TimeToStartDelta)
	}
}

func TestClassCSessionImmediateFire(t *testing.T) {
	addr := [4]byte{1, 2, 3, 4}
	var key [16]byte
	req, _ := ParseMcGroupSetupReq(setupReqBytes(0, addr, key, 0, 0))

	var fired *ClassCSessionInfo
	m := NewManager([16]byte{}, fakeClock{200}, func(info ClassCSessionInfo) { fired = &info }, nil)
	m.Setup(req)

	sessionReq := McClassCSessionReq{McGroupID: 0, SessionTime: 100, FreqHz100: 8695250, DR: 2}
	ans := m.ClassCSession(sessionReq, []uint32{869525000}, []uint8{0, 1, 2, 3})
	if ans.TimeToStartDelta != 0 {
		t.Fatalf("TimeToStartDelta = %d, want 0", ans.TimeToStartDelta)
	}
	if fired == nil {
		t.Fatalf("onFire was not called for an already-past session time")
	}
	if fired.DeviceAddr != addr {
		t.Errorf("DeviceAddr = %#v, want %#v", fired.DeviceAddr, addr)
	}
	if fired.FreqHz != 869525000 {
		t.Errorf("FreqHz = %d, want 869525000", fired.FreqHz)
	}
	if fired.GroupID != 0 {
		t.Errorf("GroupID = %d, want 0", fired.GroupID)
	}
}

func TestRearmFiresSessionOnceDue(t *testing.T) {
	addr := [4]byte{1, 2, 3, 4}
	var key [16]byte
	req, _ := ParseMcGroupSetupReq(setupReqBytes(0, addr, key, 0, 0))

	clock := &mutableClock{t: 100}
	var fired bool
	m := NewManager([16]byte{}, clock, func(ClassCSessionInfo) { fired = true }, nil)
	m.Setup(req)

	sessionReq := McClassCSessionReq{McGroupID: 0, SessionTime: 103, FreqHz100: 8695250, DR: 2}
	m.ClassCSession(sessionReq, []uint32{869525000}, []uint8{0, 1, 2, 3})
	if fired {
		t.Fatalf("onFire fired before the session's start time")
	}

	m.Rearm()
	if fired {
		t.Fatalf("Rearm() fired a session that is not yet due")
	}

	clock.t = 103
	m.Rearm()
	if !fired {
		t.Fatalf("Rearm() did not fire the due session")
	}
}

func TestGroupIDForAddr(t *testing.T) {
	addr := [4]byte{9, 8, 7, 6}
	var key [16]byte
	req, _ := ParseMcGroupSetupReq(setupReqBytes(2, addr, key, 0, 0))
	m := newTestManager(0)
	m.Setup(req)

	id, ok := m.GroupIDForAddr(addr)
	if !ok || id != 2 {
		t.Fatalf("GroupIDForAddr() = (%d, %v), want (2, true)", id, ok)
	}
	if _, ok := m.GroupIDForAddr([4]byte{1, 1, 1, 1}); ok {
		t.Fatalf("GroupIDForAddr() = ok for an unprovisioned address")
	}
}

func TestPackageVersionAns(t *testing.T) {
	got := PackageVersionAns()
	want := []byte{CIDPackageVersion, 2, 1}
	if !bytes.Equal(got, want) {
		t.Errorf("PackageVersionAns() = %#v, want %#v", got, want)
	}
}
