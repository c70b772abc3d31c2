package sigverify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"ota-device/internal/flash"
	"ota-device/internal/flash/testonly"
	"ota-device/internal/imagestore"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type mapStore map[string][]byte

func (m mapStore) GetCertificate(label string) ([]byte, error) {
	if b, ok := m[label]; ok {
		return b, nil
	}
	return nil, errors.New("not found")
}

func newSigner(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func sign(t *testing.T, key *ecdsa.PrivateKey, img []byte) []byte {
	t.Helper()
	d := sha256.Sum256(img)
	sig, err := ecdsa.SignASN1(rand.Reader, key, d[:])
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func stage(t *testing.T, img []byte) (*imagestore.Store, *testonly.MemDevice) {
	t.Helper()
	l := flash.Layout{SlotSize: 0x8000, UpdateAddr: 0x8000, BackupAddr: 0x10000, UCBAddr: 0x18000, UCBSize: 0x100}
	dev := testonly.NewMemDevice(t, int(l.End()))
	s := imagestore.New(dev, l, discard)
	h, err := s.Begin(int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(h, 0, img); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(h); err != nil {
		t.Fatal(err)
	}
	return s, dev
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i ^ (i >> 8))
	}
	return b
}

func TestVerifyChunkSizeIndependent(t *testing.T) {
	key, cert := newSigner(t)
	img := image(3*4096 + 123)
	sig := sign(t, key, img)
	s, _ := stage(t, img)

	for _, chunk := range []int{1, 7, 512, 4096, 4096 * 4, len(img), len(img) + 1} {
		v := New(mapStore{"ota": cert}, discard)
		v.ChunkSize = chunk
		if err := v.VerifyErr(context.Background(), s, "ota", sig); err != nil {
			t.Errorf("chunk %d: %v", chunk, err)
		}
	}
}

func TestVerifyExactChunkMultiple(t *testing.T) {
	key, cert := newSigner(t)
	img := image(2 * 4096)
	s, _ := stage(t, img)
	v := New(mapStore{"ota": cert}, discard)
	if !v.Verify(context.Background(), s, "ota", sign(t, key, img)) {
		t.Error("image of exactly two chunks should verify")
	}
}

func TestVerifyCorruptedImage(t *testing.T) {
	key, cert := newSigner(t)
	img := image(5000)
	sig := sign(t, key, img)
	s, dev := stage(t, img)

	// Flip one byte of the staged copy.
	b := dev.Bytes(0x8000+4999, 1)
	b[0] ^= 0x01
	if _, err := dev.WriteAt(b, 0x8000+4999); err != nil {
		t.Fatal(err)
	}

	v := New(mapStore{"ota": cert}, discard)
	if err := v.VerifyErr(context.Background(), s, "ota", sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("err = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerifyRawSignature(t *testing.T) {
	key, cert := newSigner(t)
	img := image(100)
	d := sha256.Sum256(img)
	r, sv, err := ecdsa.Sign(rand.Reader, key, d[:])
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	sv.FillBytes(raw[32:])

	s, _ := stage(t, img)
	v := New(mapStore{"ota": cert}, discard)
	if !v.Verify(context.Background(), s, "ota", raw) {
		t.Error("raw r||s signature should verify")
	}
}

func TestVerifyFallback(t *testing.T) {
	key, cert := newSigner(t)
	img := image(777)
	s, _ := stage(t, img)

	v := New(mapStore{}, discard)
	v.Fallback = cert
	if !v.Verify(context.Background(), s, "missing-label", sign(t, key, img)) {
		t.Error("fallback certificate should be used for unknown label")
	}

	v = New(nil, discard)
	v.Fallback = cert
	if !v.Verify(context.Background(), s, "", sign(t, key, img)) {
		t.Error("fallback certificate should be used without a store")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	key, _ := newSigner(t)
	_, otherCert := newSigner(t)
	img := image(2048)
	s, _ := stage(t, img)

	v := New(mapStore{"ota": otherCert}, discard)
	if v.Verify(context.Background(), s, "ota", sign(t, key, img)) {
		t.Error("signature from another key must not verify")
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	key, cert := newSigner(t)
	img := image(9000)
	sig := sign(t, key, img)

	t.Run("no certificate", func(t *testing.T) {
		s, _ := stage(t, img)
		v := New(nil, discard)
		v.Fallback = nil
		if err := v.VerifyErr(context.Background(), s, "ota", sig); !errors.Is(err, ErrNoCertificate) {
			t.Errorf("err = %v, want ErrNoCertificate", err)
		}
	})

	t.Run("bad certificate", func(t *testing.T) {
		s, _ := stage(t, img)
		v := New(mapStore{"ota": []byte("not a cert")}, discard)
		if err := v.VerifyErr(context.Background(), s, "ota", sig); !errors.Is(err, ErrBadCertificate) {
			t.Errorf("err = %v, want ErrBadCertificate", err)
		}
	})

	t.Run("image busy", func(t *testing.T) {
		s, _ := stage(t, img)
		if _, err := s.Begin(10); err != nil {
			t.Fatal(err)
		}
		v := New(mapStore{"ota": cert}, discard)
		if err := v.VerifyErr(context.Background(), s, "ota", sig); !errors.Is(err, ErrOpenImage) {
			t.Errorf("err = %v, want ErrOpenImage", err)
		}
	})

	t.Run("unreadable image", func(t *testing.T) {
		s, dev := stage(t, img)
		dev.FailReadAt = func(off int64, n int) bool { return off >= 0x8000+4096 }
		v := New(mapStore{"ota": cert}, discard)
		if err := v.VerifyErr(context.Background(), s, "ota", sig); !errors.Is(err, ErrReadImage) {
			t.Errorf("err = %v, want ErrReadImage", err)
		}
		if _, _, err := s.OpenRead(); err != nil {
			t.Errorf("read handle not released: %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		s, _ := stage(t, img)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		v := New(mapStore{"ota": cert}, discard)
		if v.Verify(ctx, s, "ota", sig) {
			t.Error("cancelled verification must fail")
		}
	})
}

func TestFallbackCertificateParses(t *testing.T) {
	if _, err := ParsePublicKey(FallbackCertificate()); err != nil {
		t.Fatalf("compiled-in certificate: %v", err)
	}
}

func TestDigest(t *testing.T) {
	img := image(10000)
	got, err := Digest(bytes.NewReader(img))
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256(img)
	if !bytes.Equal(got, want[:]) {
		t.Error("Digest does not match sha256")
	}
}
