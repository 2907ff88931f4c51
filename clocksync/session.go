package clocksync

import (
	"log/slog"

	"openenterprise/fuota/status"
)

// RawClock reports elapsed seconds since the device's local (uncorrected)
// epoch — typically a free-running RTC or monotonic counter.
type RawClock func() uint32

// Session tracks the outstanding request token and the accumulated
// correction applied on top of the raw device clock.
type Session struct {
	logger  *slog.Logger
	rawNow  RawClock
	onAdjust func()

	offset     int32
	token      uint8
	hasPending bool
}

// NewSession creates a clock-sync session reading device time from
// rawNow. onAdjust, if non-nil, is called after every applied
// correction so dependent schedules (pending class-C sessions) can
// re-evaluate their start delta against the corrected wall clock.
func NewSession(rawNow RawClock, onAdjust func(), logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{rawNow: rawNow, onAdjust: onAdjust, logger: logger}
}

// Now returns the corrected GPS-epoch wall-clock time in seconds.
// Session satisfies the multicast package's Clock interface.
func (s *Session) Now() uint32 {
	return uint32(int64(s.rawNow()) + int64(s.offset))
}

// NextRequest builds the next AppTimeReq, carrying the current token.
// The token is stable across repeated un-answered requests (including
// a force-resync burst) — it only advances in ProcessAns, once a
// reply accepts and clears the outstanding request.
func (s *Session) NextRequest(ansRequired bool) AppTimeReq {
	s.hasPending = true
	return AppTimeReq{
		DeviceTime:  s.Now(),
		TokenReq:    s.token,
		AnsRequired: ansRequired,
	}
}

// ProcessAns applies a correction reply. A reply whose token doesn't
// match the outstanding request is ignored (a stale or duplicate
// answer), reported via status.ParameterError. Accepting the reply
// advances the token for the next request, regardless of whether the
// carried correction is itself zero.
func (s *Session) ProcessAns(ans AppTimeAns) error {
	if !s.hasPending || ans.TokenAns != s.token {
		return status.ParameterError
	}
	s.hasPending = false
	s.token = (s.token + 1) & 0xF
	if ans.TimeCorrection == 0 {
		return nil
	}
	s.offset += ans.TimeCorrection
	s.logger.Info("clocksync:adjusted", slog.Int64("correction", int64(ans.TimeCorrection)))
	if s.onAdjust != nil {
		s.onAdjust()
	}
	return nil
}

// Resync applies a ForceDeviceResyncReq, returning how many AppTimeReq
// transmissions the caller should emit (one per subsequent uplink).
func (s *Session) Resync(req ForceDeviceResyncReq) int {
	return int(req.NbTransmissions)
}
