package fragmentation

import (
	"log/slog"

	"openenterprise/fuota/blockdevice"
	"openenterprise/fuota/fec"
)

// Only a single concurrently-active fragmentation session (index 0) is
// supported, mirroring the reference firmware's behavior: a setup
// request naming any other index is rejected as unsupported rather than
// accepted into one of several slots.
const SupportedFragIndex = 0

// Session is the fragmentation-transport session state machine: setup,
// data/redundancy ingestion via fec.Decoder, status, and delete.
type Session struct {
	bd     *blockdevice.Adapter
	logger *slog.Logger

	active      bool
	fragIndex   uint8
	mcGroupBitmask uint8
	descriptor  [4]byte
	controlFlags uint8
	fragSize    int
	k           int
	flashOffset int64

	decoder *fec.Decoder

	highestIndexSeen int
}

// NewSession creates an idle session writing resolved fragments at
// flashOffset on bd.
func NewSession(bd *blockdevice.Adapter, flashOffset int64, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{bd: bd, flashOffset: flashOffset, logger: logger}
}

// Setup applies a FragSessionSetupReq, returning the reply to send.
func (s *Session) Setup(req FragSessionSetupReq, maxOutstandingRows int) FragSessionSetupAns {
	if req.FragIndex != SupportedFragIndex {
		return FragSessionSetupAns{FragIndex: 0, SessionIndexNotSupported: true}
	}
	if req.NbFrag == 0 || req.FragSize == 0 {
		return FragSessionSetupAns{FragIndex: req.FragIndex, WrongDescriptor: true}
	}

	s.active = true
	s.fragIndex = req.FragIndex
	s.mcGroupBitmask = req.McGroupBitmask
	s.descriptor = req.Descriptor
	s.controlFlags = req.ControlFlags
	s.fragSize = int(req.FragSize)
	s.k = int(req.NbFrag)
	s.highestIndexSeen = 0

	s.decoder = fec.NewDecoder(s.bd, s.flashOffset, s.fragSize, s.k, s.logger)
	s.decoder.MaxOutstandingRows = maxOutstandingRows

	return FragSessionSetupAns{FragIndex: req.FragIndex}
}

// Delete applies a FragSessionDeleteReq, returning the reply to send.
func (s *Session) Delete(req FragSessionDeleteReq) FragSessionDeleteAns {
	if !s.active || req.FragIndex != s.fragIndex {
		return FragSessionDeleteAns{FragIndex: req.FragIndex, SessionNotExists: true}
	}
	s.active = false
	s.decoder = nil
	return FragSessionDeleteAns{FragIndex: req.FragIndex}
}

// Status applies a FragSessionStatusReq, returning the reply to send.
func (s *Session) Status(req FragSessionStatusReq) FragSessionStatusAns {
	if !s.active || req.FragIndex != s.fragIndex {
		return FragSessionStatusAns{FragIndex: req.FragIndex}
	}
	received := s.decoder.ReceivedCount()
	missing := s.k - received
	if missing < 0 {
		missing = 0
	}
	missingByte := missing
	if missingByte > 255 {
		missingByte = 255
	}
	return FragSessionStatusAns{
		FragIndex:      s.fragIndex,
		NbFragReceived: uint16(received),
		NbFragMissing:  uint8(missingByte),
		OutOfMemory:    s.decoder.OutOfMemory(),
	}
}

// ProcessDataFragment ingests a DataFragment; complete reports whether
// every data column has now been resolved.
func (s *Session) ProcessDataFragment(frag DataFragment) (complete bool, err error) {
	if !s.active {
		return false, nil
	}
	if frag.Index > s.highestIndexSeen {
		s.highestIndexSeen = frag.Index
	}
	return s.decoder.ProcessDataFragment(frag.Index, frag.Payload)
}

// ProcessRedundancyFragment ingests redundancy row j (1-based, globally
// indexed after the k data rows).
func (s *Session) ProcessRedundancyFragment(j uint16, payload []byte) (complete bool, err error) {
	if !s.active {
		return false, nil
	}
	globalIndex := s.k + int(j)
	if globalIndex > s.highestIndexSeen {
		s.highestIndexSeen = globalIndex
	}
	return s.decoder.ProcessRedundancyFragment(j, payload)
}

// McGroupBitmask reports the multicast group bitmask named at setup:
// bit n set means the multicast address of group slot n (besides the
// device's own unicast address) may deliver data fragments for this
// session.
func (s *Session) McGroupBitmask() uint8 { return s.mcGroupBitmask }

func (s *Session) Active() bool { return s.active }
func (s *Session) Complete() bool {
	return s.active && s.decoder != nil && s.decoder.Complete()
}
func (s *Session) Descriptor() [4]byte { return s.descriptor }
func (s *Session) FragSize() int       { return s.fragSize }
func (s *Session) K() int              { return s.k }
func (s *Session) FlashOffset() int64  { return s.flashOffset }
