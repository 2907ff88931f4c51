package verify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"openenterprise/fuota/config"
)

func TestCRC64Deterministic(t *testing.T) {
	data := []byte("firmware image contents")
	a, err := CRC64(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("CRC64() error = %v", err)
	}
	b, err := CRC64(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("CRC64() error = %v", err)
	}
	if a != b {
		t.Errorf("CRC64() not deterministic: %x != %x", a, b)
	}
	c, err := CRC64(bytes.NewReader(append(append([]byte{}, data...), 0)))
	if err != nil {
		t.Fatalf("CRC64() error = %v", err)
	}
	if c == a {
		t.Errorf("CRC64() unchanged after appending a byte")
	}
}

// buildImage signs payload and appends a well-formed verification
// trailer naming this build's compiled-in manufacturer/device-class
// UUIDs, returning the full image ready for Validate.
func buildImage(t *testing.T, key *ecdsa.PrivateKey, payload []byte) []byte {
	t.Helper()
	manufacturerUUID, err := config.ManufacturerUUID()
	if err != nil {
		t.Fatalf("config.ManufacturerUUID() error = %v", err)
	}
	deviceClassUUID, err := config.DeviceClassUUID()
	if err != nil {
		t.Fatalf("config.DeviceClassUUID() error = %v", err)
	}
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("SignASN1() error = %v", err)
	}
	if len(sig) > TrailerMaxSigSize {
		t.Fatalf("signature length %d exceeds TrailerMaxSigSize %d", len(sig), TrailerMaxSigSize)
	}

	image := make([]byte, len(payload)+TrailerSize)
	copy(image, payload)
	t2 := image[len(payload):]
	copy(t2[0:16], manufacturerUUID[:])
	copy(t2[16:32], deviceClassUUID[:])
	t2[32] = byte(len(sig))
	copy(t2[33:], sig)
	return image
}

func TestValidateRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	payload := []byte("a firmware image payload, padded out a bit")
	image := buildImage(t, key, payload)

	h, err := Validate(bytes.NewReader(image), uint32(len(image)), &key.PublicKey, 42, 7)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if h.FirmwareVersion != 42 {
		t.Errorf("FirmwareVersion = %d, want 42", h.FirmwareVersion)
	}
	if h.CampaignID != 7 {
		t.Errorf("CampaignID = %d, want 7", h.CampaignID)
	}
	if h.ImageSize != uint64(len(payload)) {
		t.Errorf("ImageSize = %d, want %d", h.ImageSize, len(payload))
	}
	if h.SHA256 != sha256.Sum256(payload) {
		t.Errorf("SHA256 mismatch")
	}
}

func TestValidateRejectsTamperedPayload(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	image := buildImage(t, key, []byte("original image"))
	image[0] ^= 0xFF // corrupt a payload byte after signing

	_, err = Validate(bytes.NewReader(image), uint32(len(image)), &key.PublicKey, 1, 0)
	if err == nil {
		t.Fatalf("Validate() error = nil, want failure on tampered payload")
	}
}

func TestValidateRejectsWrongManufacturerUUID(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	payload := []byte("firmware payload")
	image := buildImage(t, key, payload)
	// Corrupt the manufacturer UUID field inside the trailer without
	// touching the signed payload or re-signing.
	image[len(payload)] ^= 0xFF

	_, err = Validate(bytes.NewReader(image), uint32(len(image)), &key.PublicKey, 1, 0)
	if err == nil {
		t.Fatalf("Validate() error = nil, want failure on manufacturer UUID mismatch")
	}
}

func TestValidateRejectsWrongSigner(t *testing.T) {
	signer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	image := buildImage(t, signer, []byte("firmware payload"))

	_, err = Validate(bytes.NewReader(image), uint32(len(image)), &other.PublicKey, 1, 0)
	if err == nil {
		t.Fatalf("Validate() error = nil, want failure against the wrong public key")
	}
}
