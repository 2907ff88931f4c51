// Package multicast implements the remote multicast setup package
// (port 200): group-slot provisioning, session-key derivation, and
// class-C session scheduling against absolute wall-clock time.
package multicast

import (
	"encoding/binary"

	"openenterprise/fuota/status"
)

const (
	CIDPackageVersion    = 0x00
	CIDMcGroupStatus     = 0x01
	CIDMcGroupSetup      = 0x02
	CIDMcGroupDelete     = 0x03
	CIDMcClassCSession   = 0x04
)

const (
	PackageIdentifier = 2
	PackageVersion    = 1
	Port              = 200

	// NumGroupSlots is the size of the fixed multicast group table.
	NumGroupSlots = 4
)

// McGroupSetupReq is the 30-byte group-provisioning command.
type McGroupSetupReq struct {
	McGroupID     uint8 // 0-3
	McAddr        [4]byte
	McKeyEncrypted [16]byte
	MinFCFCount   uint32
	MaxFCFCount   uint32
}

func ParseMcGroupSetupReq(b []byte) (McGroupSetupReq, error) {
	var req McGroupSetupReq
	if len(b) != 30 {
		return req, status.InvalidPacketLength
	}
	// The whole byte is kept so an id outside the four slots reaches
	// Manager.Setup and is answered with IDError.
	req.McGroupID = b[1]
	copy(req.McAddr[:], b[2:6])
	copy(req.McKeyEncrypted[:], b[6:22])
	req.MinFCFCount = binary.LittleEndian.Uint32(b[22:26])
	req.MaxFCFCount = binary.LittleEndian.Uint32(b[26:30])
	return req, nil
}

type McGroupSetupAns struct {
	McGroupID  uint8
	IDError    bool
}

func (a McGroupSetupAns) Marshal() []byte {
	b := a.McGroupID & 0x3
	if a.IDError {
		b |= 1 << 2
	}
	return []byte{CIDMcGroupSetup, b}
}

// McGroupDeleteReq: byte1 bits[1:0] = McGroupID.
type McGroupDeleteReq struct {
	McGroupID uint8
}

func ParseMcGroupDeleteReq(b []byte) (McGroupDeleteReq, error) {
	if len(b) != 2 {
		return McGroupDeleteReq{}, status.InvalidPacketLength
	}
	return McGroupDeleteReq{McGroupID: b[1] & 0x3}, nil
}

type McGroupDeleteAns struct {
	McGroupID      uint8
	McGroupUndefined bool
}

func (a McGroupDeleteAns) Marshal() []byte {
	b := a.McGroupID & 0x3
	if a.McGroupUndefined {
		b |= 1 << 2
	}
	return []byte{CIDMcGroupDelete, b}
}

// McGroupStatusReq: byte1 bits[3:0] = the bitmask of requested groups.
type McGroupStatusReq struct {
	ReqGroupMask uint8
}

func ParseMcGroupStatusReq(b []byte) (McGroupStatusReq, error) {
	if len(b) != 2 {
		return McGroupStatusReq{}, status.InvalidPacketLength
	}
	return McGroupStatusReq{ReqGroupMask: b[1] & 0xF}, nil
}

// ActiveGroup is one {id, addr} tuple reported in a status answer.
type ActiveGroup struct {
	McGroupID uint8
	McAddr    [4]byte
}

type McGroupStatusAns struct {
	NbActiveGroups uint8
	AnsGroupMask   uint8
	Groups         []ActiveGroup
}

func (a McGroupStatusAns) Marshal() []byte {
	out := []byte{CIDMcGroupStatus, (a.NbActiveGroups << 4) | (a.AnsGroupMask & 0xF)}
	for _, g := range a.Groups {
		out = append(out, g.McGroupID)
		out = append(out, g.McAddr[:]...)
	}
	return out
}

// McClassCSessionReq is the 11-byte class-C scheduling command.
type McClassCSessionReq struct {
	McGroupID      uint8
	SessionTime    uint32 // GPS epoch seconds
	SessionTimeOut uint8  // exponent, 2^n seconds
	FreqHz100      uint32 // frequency / 100 Hz, 24-bit
	DR             uint8
}

func ParseMcClassCSessionReq(b []byte) (McClassCSessionReq, error) {
	var req McClassCSessionReq
	if len(b) != 11 {
		return req, status.InvalidPacketLength
	}
	req.McGroupID = b[1] & 0x3
	req.SessionTime = binary.LittleEndian.Uint32(b[2:6])
	req.SessionTimeOut = b[6] & 0xF
	req.FreqHz100 = uint32(b[7]) | uint32(b[8])<<8 | uint32(b[9])<<16
	req.DR = b[10]
	return req, nil
}

type McClassCSessionAns struct {
	McGroupID        uint8
	McGroupUndefined bool
	FreqNotSupported bool
	DRNotSupported   bool
	TimeToStartDelta uint32 // 24-bit, valid only when no error bit is set
}

func (a McClassCSessionAns) Marshal() []byte {
	b := a.McGroupID & 0x3
	if a.FreqNotSupported {
		b |= 1 << 2
	}
	if a.DRNotSupported {
		b |= 1 << 3
	}
	if a.McGroupUndefined {
		b |= 1 << 4
	}
	if a.McGroupUndefined || a.FreqNotSupported || a.DRNotSupported {
		return []byte{CIDMcClassCSession, b}
	}
	delta := a.TimeToStartDelta
	return []byte{
		CIDMcClassCSession,
		b,
		byte(delta),
		byte(delta >> 8),
		byte(delta >> 16),
	}
}

func PackageVersionAns() []byte {
	return []byte{CIDPackageVersion, PackageIdentifier, PackageVersion}
}
