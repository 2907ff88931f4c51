// Package clocksync implements the application-layer clock
// synchronization package (port 202): periodic device-time requests,
// token-paired correction, and resync triggers.
package clocksync

import (
	"encoding/binary"

	"openenterprise/fuota/status"
)

const (
	CIDPackageVersion  = 0x00
	CIDAppTime         = 0x01
	CIDAppTimePeriodicity = 0x02
	CIDForceDeviceResync  = 0x03

	PackageIdentifier = 1
	PackageVersion    = 1
	Port              = 202
)

// AppTimeReq is the device-originated request carrying its current
// belief of GPS-epoch time and a token to pair against the reply.
type AppTimeReq struct {
	DeviceTime  uint32
	TokenReq    uint8 // 4 bits
	AnsRequired bool
}

func (r AppTimeReq) Marshal() []byte {
	param := r.TokenReq & 0xF
	if r.AnsRequired {
		param |= 1 << 4
	}
	out := make([]byte, 6)
	out[0] = CIDAppTime
	binary.LittleEndian.PutUint32(out[1:5], r.DeviceTime)
	out[5] = param
	return out
}

// AppTimeAns is the network-originated correction reply, paired to a
// request via TokenAns.
type AppTimeAns struct {
	TimeCorrection int32
	TokenAns       uint8 // 4 bits
}

func ParseAppTimeAns(b []byte) (AppTimeAns, error) {
	if len(b) != 6 {
		return AppTimeAns{}, status.InvalidPacketLength
	}
	return AppTimeAns{
		TimeCorrection: int32(binary.LittleEndian.Uint32(b[1:5])),
		TokenAns:       b[5] & 0xF,
	}, nil
}

// ForceDeviceResyncReq asks the device to emit NbTransmissions
// AppTimeReq messages, one per uplink, to re-establish synchronization.
type ForceDeviceResyncReq struct {
	NbTransmissions uint8 // 3 bits
}

func ParseForceDeviceResyncReq(b []byte) (ForceDeviceResyncReq, error) {
	if len(b) != 2 {
		return ForceDeviceResyncReq{}, status.InvalidPacketLength
	}
	return ForceDeviceResyncReq{NbTransmissions: b[1] & 0x7}, nil
}

func PackageVersionAns() []byte {
	return []byte{CIDPackageVersion, PackageIdentifier, PackageVersion}
}
