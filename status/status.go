// Package status defines the single result enumeration shared by every
// package in this module, mirroring the host-facing status codes an
// update-client facade reports across its three inbound command streams.
package status

import "fmt"

// Status is a host-level result code. Protocol-level outcomes that only
// ever need to be encoded on the wire (frag-index-unsupported, mc-group-
// undefined, ...) are NOT Status values — they live in the per-package
// reply structs instead, so a caller can't mistake a wire status byte
// for something that needs handling in Go.
type Status uint8

const (
	OK Status = iota
	InvalidPacketLength
	UnknownCommand
	InternalError
	StorageError
	FragSessionNotActive
	MatrixError
	OutOfMemory
	CryptoKeyDerivationFailed
	VerificationFailed
	ParameterError
	FrequencyNotSupported
	DatarateNotSupported
)

var names = [...]string{
	OK:                        "ok",
	InvalidPacketLength:       "invalid packet length",
	UnknownCommand:            "unknown command",
	InternalError:             "internal error",
	StorageError:              "storage error",
	FragSessionNotActive:      "fragmentation session not active",
	MatrixError:               "matrix error",
	OutOfMemory:               "out of memory",
	CryptoKeyDerivationFailed: "crypto key derivation failed",
	VerificationFailed:        "verification failed",
	ParameterError:            "parameter error",
	FrequencyNotSupported:     "frequency not supported",
	DatarateNotSupported:      "datarate not supported",
}

func (s Status) String() string {
	if int(s) < len(names) && names[s] != "" {
		return names[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Error satisfies the error interface so a Status can be returned directly
// from dispatch calls (spec: "host-level errors ... are returned from the
// dispatch call"). OK is not an error.
func (s Status) Error() string { return s.String() }

// Err returns s as an error, or nil when s is OK. Handlers use this instead
// of sprinkling "if s != OK" checks at call sites.
func (s Status) Err() error {
	if s == OK {
		return nil
	}
	return s
}
