// Package fuota implements an in-device FUOTA (firmware-over-the-air)
// receiver for constrained LoRaWAN devices: three co-resident
// application-layer package handlers (fragmentation transport,
// multicast setup, clock sync) sharing a block device, an uplink
// channel, and a wall clock, culminating in firmware verification and
// bootloader hand-off.
package fuota

import (
	"crypto/ecdsa"
	"io"
	"log/slog"
	"sync"

	"openenterprise/fuota/blockdevice"
	"openenterprise/fuota/clocksync"
	"openenterprise/fuota/fragmentation"
	"openenterprise/fuota/multicast"
	"openenterprise/fuota/status"
	"openenterprise/fuota/verify"
)

// TimerID names a single outstanding host timer request.
type TimerID uint8

const (
	TimerClassCStart TimerID = 0
	TimerClassCEnd   TimerID = 1
)

// Timer is the host's scheduling collaborator: class-C session starts
// are armed against absolute GPS-epoch time rather than a relative
// delay, so a clock correction can re-arm a pending timer in place.
type Timer interface {
	Arm(atGPSEpochS int64, id TimerID)
	Cancel(id TimerID)
}

// Collaborators is the polymorphic callback surface a host application
// implements to receive notifications from the update client, breaking
// the cyclic references a direct Client<->radio/LED wiring would need.
type Collaborators interface {
	Send(port uint8, payload []byte) error
	SwitchToClassA()
	SwitchToClassC(session multicast.ClassCSessionInfo)
	FragSessionComplete()
	FirmwareReady(header verify.Header)
	VerificationStarting()
	VerificationFinished()
}

// Client is the update client facade: single mutex-guarded owner of
// the wall clock, the multicast group table, and the fragmentation
// session. Constructed once; no package-global state.
type Client struct {
	mu sync.Mutex

	logger *slog.Logger
	collab Collaborators
	timer  Timer

	appKey [16]byte
	pub    *ecdsa.PublicKey

	bd   *blockdevice.Adapter
	frag *fragmentation.Session
	mc   *multicast.Manager
	clk  *clocksync.Session

	supportedFreqs []uint32
	supportedDRs   []uint8

	maxOutstandingRows int
	flashOffset        int64
}

// Config collects the construction-time parameters a Client needs.
type Config struct {
	AppKey             [16]byte
	PublicKey          *ecdsa.PublicKey
	FlashOffset        int64
	SupportedFreqs     []uint32
	SupportedDRs       []uint8
	MaxOutstandingRows int
}

// New constructs a Client over bd, notifying collab and scheduling
// timers through timer. rawNow supplies the device's uncorrected local
// clock; clocksync.Session layers the network-supplied correction atop
// it.
func New(bd *blockdevice.Adapter, cfg Config, rawNow clocksync.RawClock, collab Collaborators, timer Timer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger:             logger,
		collab:             collab,
		timer:              timer,
		appKey:             cfg.AppKey,
		pub:                cfg.PublicKey,
		bd:                 bd,
		supportedFreqs:     cfg.SupportedFreqs,
		supportedDRs:       cfg.SupportedDRs,
		maxOutstandingRows: cfg.MaxOutstandingRows,
		flashOffset:        cfg.FlashOffset,
	}
	c.frag = fragmentation.NewSession(bd, cfg.FlashOffset, logger)
	c.clk = clocksync.NewSession(rawNow, c.rearmClassCSession, logger)
	c.mc = multicast.NewManager(cfg.AppKey, c.clk, c.onClassCSessionDue, logger)
	return c
}

func (c *Client) rearmClassCSession() {
	c.mc.Rearm()
}

// onClassCSessionDue is multicast.Manager's onFire callback: it hands
// the session tuple to Collaborators.SwitchToClassC and, if a Timer is
// available, arms the session's end so the device reverts to class A
// once the scheduled window (2^TimeoutExp seconds) elapses.
func (c *Client) onClassCSessionDue(info multicast.ClassCSessionInfo) {
	if c.collab != nil {
		c.collab.SwitchToClassC(info)
	}
	if c.timer != nil {
		c.timer.Arm(int64(info.DeadlineS), TimerClassCEnd)
	}
}

// ClassCSessionTimerFired should be called by the host when a timer
// armed via Timer.Arm(_, TimerClassCStart) fires, transitioning a
// scheduled class-C session into a live one even if no clock
// correction ever re-evaluated it.
func (c *Client) ClassCSessionTimerFired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mc.Rearm()
}

// ClassCSessionEndTimerFired should be called by the host when a timer
// armed via Timer.Arm(_, TimerClassCEnd) fires, reverting the device
// to class A at the end of a scheduled class-C session.
func (c *Client) ClassCSessionEndTimerFired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collab != nil {
		c.collab.SwitchToClassA()
	}
}

// HandleMulticastCommand dispatches a port-200 downlink payload.
func (c *Client) HandleMulticastCommand(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, status.InvalidPacketLength
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch payload[0] {
	case multicast.CIDPackageVersion:
		return multicast.PackageVersionAns(), nil

	case multicast.CIDMcGroupSetup:
		req, err := multicast.ParseMcGroupSetupReq(payload)
		if err != nil {
			return nil, err
		}
		return c.mc.Setup(req).Marshal(), nil

	case multicast.CIDMcGroupDelete:
		req, err := multicast.ParseMcGroupDeleteReq(payload)
		if err != nil {
			return nil, err
		}
		return c.mc.Delete(req).Marshal(), nil

	case multicast.CIDMcGroupStatus:
		req, err := multicast.ParseMcGroupStatusReq(payload)
		if err != nil {
			return nil, err
		}
		return c.mc.Status(req).Marshal(), nil

	case multicast.CIDMcClassCSession:
		req, err := multicast.ParseMcClassCSessionReq(payload)
		if err != nil {
			return nil, err
		}
		ans := c.mc.ClassCSession(req, c.supportedFreqs, c.supportedDRs)
		// A start time already reached fired inside ClassCSession; only a
		// future start needs a host timer.
		if !ans.McGroupUndefined && !ans.FreqNotSupported && !ans.DRNotSupported && ans.TimeToStartDelta > 0 && c.timer != nil {
			c.timer.Arm(int64(req.SessionTime), TimerClassCStart)
		}
		return ans.Marshal(), nil

	default:
		return nil, status.UnknownCommand
	}
}

// HandleFragmentationCommand dispatches a port-201 downlink payload
// received on addr (the device's own unicast address is the zero
// address; any other value names a multicast group address). Only
// data fragments matter for addr: FragSessionSetup/Delete/Status are
// unicast-only session-management commands.
func (c *Client) HandleFragmentationCommand(addr [4]byte, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, status.InvalidPacketLength
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch payload[0] {
	case fragmentation.CIDPackageVersion:
		return fragmentation.PackageVersionAns(), nil

	case fragmentation.CIDFragSessionSetup:
		req, err := fragmentation.ParseFragSessionSetupReq(payload)
		if err != nil {
			return nil, err
		}
		return c.frag.Setup(req, c.maxOutstandingRows).Marshal(), nil

	case fragmentation.CIDFragSessionDelete:
		req, err := fragmentation.ParseFragSessionDeleteReq(payload)
		if err != nil {
			return nil, err
		}
		return c.frag.Delete(req).Marshal(), nil

	case fragmentation.CIDFragStatus:
		req, err := fragmentation.ParseFragSessionStatusReq(payload)
		if err != nil {
			return nil, err
		}
		return c.frag.Status(req).Marshal(), nil

	case fragmentation.CIDFragData:
		if !c.fragAddrPermitted(addr) {
			return nil, nil
		}
		frag, err := fragmentation.ParseDataFragment(payload)
		if err != nil {
			return nil, err
		}
		var complete bool
		if frag.Index <= c.frag.K() {
			complete, err = c.frag.ProcessDataFragment(frag)
		} else {
			complete, err = c.frag.ProcessRedundancyFragment(uint16(frag.Index-c.frag.K()), frag.Payload)
		}
		if err != nil {
			return nil, err
		}
		if complete && c.collab != nil {
			c.collab.FragSessionComplete()
		}
		return nil, nil

	default:
		return nil, status.UnknownCommand
	}
}

// fragAddrPermitted reports whether addr may deliver data fragments
// for the active fragmentation session: the device's own unicast
// address (the zero address) always may; any other address must name
// one of the multicast groups set in the session's mc_group_bitmask.
func (c *Client) fragAddrPermitted(addr [4]byte) bool {
	if addr == ([4]byte{}) {
		return true
	}
	id, ok := c.mc.GroupIDForAddr(addr)
	if !ok {
		return false
	}
	return c.frag.McGroupBitmask()&(1<<id) != 0
}

// HandleClockSyncCommand dispatches a port-202 downlink payload
// (an AppTimeAns or ForceDeviceResyncReq received by the device).
func (c *Client) HandleClockSyncCommand(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, status.InvalidPacketLength
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch payload[0] {
	case clocksync.CIDPackageVersion:
		return clocksync.PackageVersionAns(), nil

	case clocksync.CIDAppTime:
		ans, err := clocksync.ParseAppTimeAns(payload)
		if err != nil {
			return nil, err
		}
		if err := c.clk.ProcessAns(ans); err != nil {
			return nil, err
		}
		return nil, nil

	case clocksync.CIDForceDeviceResync:
		req, err := clocksync.ParseForceDeviceResyncReq(payload)
		if err != nil {
			return nil, err
		}
		n := c.clk.Resync(req)
		for i := 0; i < n; i++ {
			req := c.clk.NextRequest(true)
			if c.collab != nil {
				if err := c.collab.Send(clocksync.Port, req.Marshal()); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil

	default:
		return nil, status.UnknownCommand
	}
}

// VerifyAndFinalize runs the firmware-validation pipeline over the
// assembled image and, on success, writes the bootloader hand-off
// header and notifies Collaborators.FirmwareReady. Call this once
// Collaborators.FragSessionComplete has fired. The CRC-64 the device
// computes over the image is reported upstream via Collaborators.Send
// before verification proper begins — it's an uplinked observation,
// not a value the caller supplies to gate on.
func (c *Client) VerifyAndFinalize(bootloaderHeaderOffset int64, firmwareVersion uint64, campaignID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.frag.Complete() {
		return status.FragSessionNotActive
	}

	if c.collab != nil {
		c.collab.VerificationStarting()
		defer c.collab.VerificationFinished()
	}

	size := c.frag.K() * c.frag.FragSize()
	image := blockdevice.NewSectionReader(c.bd, c.frag.FlashOffset(), int64(size))

	crc, err := verify.CRC64(image)
	if err != nil {
		return status.StorageError
	}
	if c.collab != nil {
		if err := c.collab.Send(fragmentation.Port, fragmentation.FragStatusCRCReport(crc)); err != nil {
			return err
		}
	}

	if _, err := image.Seek(0, io.SeekStart); err != nil {
		return status.StorageError
	}
	header, err := verify.Validate(image, uint32(size), c.pub, firmwareVersion, campaignID)
	if err != nil {
		return err
	}

	if err := c.bd.Program(header.MarshalBinary(), bootloaderHeaderOffset, len(header.MarshalBinary())); err != nil {
		return status.StorageError
	}

	if c.collab != nil {
		c.collab.FirmwareReady(header)
	}
	return nil
}
