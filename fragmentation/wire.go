// Package fragmentation implements the fragmented data block transport
// session (port 201): command parsing/encoding and the session state
// machine wrapping a fec.Decoder.
package fragmentation

import (
	"encoding/binary"

	"openenterprise/fuota/status"
)

// Command identifiers, as carried in byte 0 of every uplink/downlink.
const (
	CIDPackageVersion      = 0x00
	CIDFragStatus          = 0x01
	CIDFragSessionSetup    = 0x02
	CIDFragSessionDelete   = 0x03
	CIDFragData            = 0x08

	// CIDFragStatusCRCReport is a locally-assigned CID (outside the
	// published 0x00-0x08 range) for the verification pipeline's
	// CRC-64 uplink: the device reports the checksum it computed over
	// the assembled image once transfer completes, rather than the
	// server supplying one to check against.
	CIDFragStatusCRCReport = 0x09
)

const (
	PackageIdentifier = 3
	PackageVersion    = 1
	Port              = 201
)

// FragSessionSetupReq is the 11-byte setup command. The wire layout
// pins one byte of RFU and a control-flags byte the data model needs
// but the published wire table omits.
type FragSessionSetupReq struct {
	FragIndex      uint8 // 2 bits, values 0-3
	McGroupBitmask uint8 // 4 bits
	NbFrag         uint16
	FragSize       uint8
	ControlFlags   uint8
	Descriptor     [4]byte
}

func ParseFragSessionSetupReq(b []byte) (FragSessionSetupReq, error) {
	var req FragSessionSetupReq
	if len(b) != 11 {
		return req, status.InvalidPacketLength
	}
	req.FragIndex = (b[1] >> 4) & 0x3
	req.McGroupBitmask = b[1] & 0xF
	req.NbFrag = binary.LittleEndian.Uint16(b[2:4])
	req.FragSize = b[4]
	req.ControlFlags = b[5]
	// b[6] is padding/RFU
	copy(req.Descriptor[:], b[7:11])
	return req, nil
}

// FragSessionSetupAns status bits, per byte 1 of the 2-byte reply.
const (
	setupAnsFragIndexShift        = 0
	setupAnsFragIndexMask         = 0x3
	setupAnsSessionIndexNotSupported = 1 << 2
	setupAnsNotEnoughMemory       = 1 << 3
	setupAnsWrongDescriptor       = 1 << 4
	setupAnsEncodingUnsupported   = 1 << 5
)

type FragSessionSetupAns struct {
	FragIndex               uint8
	SessionIndexNotSupported bool
	NotEnoughMemory          bool
	WrongDescriptor          bool
	EncodingUnsupported      bool
}

func (a FragSessionSetupAns) Marshal() []byte {
	b := a.FragIndex & setupAnsFragIndexMask
	if a.SessionIndexNotSupported {
		b |= setupAnsSessionIndexNotSupported
	}
	if a.NotEnoughMemory {
		b |= setupAnsNotEnoughMemory
	}
	if a.WrongDescriptor {
		b |= setupAnsWrongDescriptor
	}
	if a.EncodingUnsupported {
		b |= setupAnsEncodingUnsupported
	}
	return []byte{CIDFragSessionSetup, b}
}

// FragSessionDeleteReq is a single byte: bits[1:0] = FragIndex.
type FragSessionDeleteReq struct {
	FragIndex uint8
}

func ParseFragSessionDeleteReq(b []byte) (FragSessionDeleteReq, error) {
	if len(b) != 2 {
		return FragSessionDeleteReq{}, status.InvalidPacketLength
	}
	return FragSessionDeleteReq{FragIndex: b[1] & 0x3}, nil
}

const deleteAnsSessionNotExists = 1 << 2

type FragSessionDeleteAns struct {
	FragIndex        uint8
	SessionNotExists bool
}

func (a FragSessionDeleteAns) Marshal() []byte {
	b := a.FragIndex & 0x3
	if a.SessionNotExists {
		b |= deleteAnsSessionNotExists
	}
	return []byte{CIDFragSessionDelete, b}
}

// FragSessionStatusReq: bit0 = request participants only, bits[2:1] =
// FragIndex, bits[7:3] RFU.
type FragSessionStatusReq struct {
	Participants bool
	FragIndex    uint8
}

func ParseFragSessionStatusReq(b []byte) (FragSessionStatusReq, error) {
	if len(b) != 2 {
		return FragSessionStatusReq{}, status.InvalidPacketLength
	}
	return FragSessionStatusReq{
		Participants: b[1]&0x1 != 0,
		FragIndex:    (b[1] >> 1) & 0x3,
	}, nil
}

type FragSessionStatusAns struct {
	FragIndex     uint8
	NbFragReceived uint16
	NbFragMissing  uint8
	OutOfMemory    bool
}

func (a FragSessionStatusAns) Marshal() []byte {
	statusByte := byte(0)
	if a.OutOfMemory {
		statusByte = 1
	}
	nbReceived := a.NbFragReceived
	if nbReceived > 255 {
		nbReceived = 255
	}
	return []byte{
		CIDFragStatus,
		byte(a.FragIndex) << 6,
		byte(nbReceived),
		a.NbFragMissing,
		statusByte,
	}
}

// FragSessionStatusAns.NbFragReceived is folded down to a byte above,
// but the in-memory type carries it as uint16 for headroom.

// DataFragment is the 0x08 command: {cmd, index(2,LE), payload...}.
type DataFragment struct {
	Index   int // 1-based
	Payload []byte
}

func ParseDataFragment(b []byte) (DataFragment, error) {
	if len(b) < 3 {
		return DataFragment{}, status.InvalidPacketLength
	}
	return DataFragment{
		Index:   int(binary.LittleEndian.Uint16(b[1:3])),
		Payload: b[3:],
	}, nil
}

// PackageVersionAns is {0x00, id, version}.
func PackageVersionAns() []byte {
	return []byte{CIDPackageVersion, PackageIdentifier, PackageVersion}
}

// FragStatusCRCReport marshals the CRC-64 uplink sent once the
// verification pipeline has computed the checksum over an assembled
// image: {cmd, crc(8, LE)}.
func FragStatusCRCReport(crc uint64) []byte {
	out := make([]byte, 9)
	out[0] = CIDFragStatusCRCReport
	binary.LittleEndian.PutUint64(out[1:], crc)
	return out
}
