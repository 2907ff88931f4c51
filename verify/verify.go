// Package verify checks a received firmware image's integrity and
// authenticity before handing control to the bootloader: a CRC-64/ECMA
// checksum over the assembled image (reported upstream, not checked), a
// SHA-256 digest, and an ECDSA-P256 signature over that digest.
package verify

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc64"
	"io"

	"openenterprise/fuota/config"
	"openenterprise/fuota/status"
)

var crc64Table = crc64.MakeTable(crc64.ECMA)

// CRC64 computes the CRC-64/ECMA checksum of r, consuming it fully.
func CRC64(r io.Reader) (uint64, error) {
	h := crc64.New(crc64Table)
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// SHA256Digest computes the SHA-256 digest of r, consuming it fully.
func SHA256Digest(r io.Reader) ([32]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// VerifySignature checks an ECDSA-P256 ASN.1 DER signature over a
// SHA-256 digest against pub. DER encoding (rather than fixed-width
// raw r||s) is what the device's own mbedtls stack produces, and its
// length varies by a byte or two between signatures.
func VerifySignature(pub *ecdsa.PublicKey, digest [32]byte, signature []byte) bool {
	return ecdsa.VerifyASN1(pub, digest[:], signature)
}

// Trailer fields, as laid out at the tail of every assembled image.
const (
	trailerUUIDSize   = 16
	trailerSigLenSize = 1
	// TrailerMaxSigSize reserves enough room for the longest ECDSA-P256
	// ASN.1 DER signature (two 33-byte INTEGERs plus a few bytes of
	// SEQUENCE/length overhead); SigLen names how many of these bytes
	// are the actual signature, the rest is zero padding.
	TrailerMaxSigSize = 72
	// TrailerSize is the fixed size of the verification trailer:
	// manufacturer UUID(16) + device-class UUID(16) + sig_len(1) +
	// signature(TrailerMaxSigSize, padded).
	TrailerSize = 2*trailerUUIDSize + trailerSigLenSize + TrailerMaxSigSize
)

// trailer is the parsed verification trailer appended to an assembled
// image ahead of the hashed payload boundary.
type trailer struct {
	manufacturerUUID [16]byte
	deviceClassUUID  [16]byte
	signature        []byte // DER, sigLen bytes
}

func parseTrailer(b []byte) (trailer, error) {
	if len(b) != TrailerSize {
		return trailer{}, status.InvalidPacketLength
	}
	var t trailer
	copy(t.manufacturerUUID[:], b[0:16])
	copy(t.deviceClassUUID[:], b[16:32])
	sigLen := int(b[32])
	if sigLen > TrailerMaxSigSize {
		return trailer{}, status.VerificationFailed
	}
	t.signature = append([]byte(nil), b[33:33+sigLen]...)
	return t, nil
}

// HeaderMagic identifies a valid bootloader metadata record.
const HeaderMagic uint32 = 0x46554f41 // "FUOA"

// HeaderVersion is the metadata record's own format version.
const HeaderVersion uint32 = 1

// Header is the bootloader hand-off record written at the device's
// bootloader metadata offset: magic, format version, firmware version,
// size, digest, campaign id, and the signature over that digest.
type Header struct {
	FirmwareVersion uint64
	ImageSize       uint64
	SHA256          [32]byte
	CampaignID      uint32
	Signature       []byte
}

// MarshalBinary encodes h as big-endian fixed-width fields followed by
// the variable-length signature: magic(4) header_ver(4) fw_version(8)
// fw_size(8) sha256(32) campaign_id(4) signature(...).
func (h Header) MarshalBinary() []byte {
	b := make([]byte, 60+len(h.Signature))
	binary.BigEndian.PutUint32(b[0:4], HeaderMagic)
	binary.BigEndian.PutUint32(b[4:8], HeaderVersion)
	binary.BigEndian.PutUint64(b[8:16], h.FirmwareVersion)
	binary.BigEndian.PutUint64(b[16:24], h.ImageSize)
	copy(b[24:56], h.SHA256[:])
	binary.BigEndian.PutUint32(b[56:60], h.CampaignID)
	copy(b[60:], h.Signature)
	return b
}

// Validate runs the firmware-verification pipeline against a
// candidate image of totalSize bytes: it parses the TrailerSize-byte
// verification trailer off the tail, checks its manufacturer and
// device-class UUIDs against this build's compiled-in identity,
// computes the SHA-256 digest over everything BEFORE the trailer, and
// checks the trailer's signature over that digest. CRC-64 is not
// gated on here — the caller computes it separately and reports it
// upstream as a frag-status uplink. On success it returns the Header
// ready to be written at the bootloader's metadata offset.
func Validate(image io.ReadSeeker, totalSize uint32, pub *ecdsa.PublicKey, firmwareVersion uint64, campaignID uint32) (Header, error) {
	if int64(totalSize) <= TrailerSize {
		return Header{}, status.InvalidPacketLength
	}
	payloadSize := int64(totalSize) - TrailerSize

	if _, err := image.Seek(payloadSize, io.SeekStart); err != nil {
		return Header{}, err
	}
	trailerBuf := make([]byte, TrailerSize)
	if _, err := io.ReadFull(image, trailerBuf); err != nil {
		return Header{}, err
	}
	t, err := parseTrailer(trailerBuf)
	if err != nil {
		return Header{}, err
	}

	manufacturerUUID, err := config.ManufacturerUUID()
	if err != nil {
		return Header{}, err
	}
	deviceClassUUID, err := config.DeviceClassUUID()
	if err != nil {
		return Header{}, err
	}
	if t.manufacturerUUID != manufacturerUUID || t.deviceClassUUID != deviceClassUUID {
		return Header{}, status.VerificationFailed
	}

	if _, err := image.Seek(0, io.SeekStart); err != nil {
		return Header{}, err
	}
	digest, err := SHA256Digest(io.LimitReader(image, payloadSize))
	if err != nil {
		return Header{}, err
	}

	if !VerifySignature(pub, digest, t.signature) {
		return Header{}, status.VerificationFailed
	}

	return Header{
		FirmwareVersion: firmwareVersion,
		ImageSize:       uint64(payloadSize),
		SHA256:          digest,
		CampaignID:      campaignID,
		Signature:       t.signature,
	}, nil
}
