// Package sigverify checks the signature of a staged firmware image.
//
// The image is streamed out of flash in fixed-size chunks into a SHA-256
// hash, so memory use does not depend on the image size. The hash is then
// verified with the ECDSA P-256 public key of a code signing certificate.
package sigverify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"ota-device/internal/imagestore"
)

// DefaultChunkSize is the read size used while hashing the image.
const DefaultChunkSize = 4096

//go:embed fallback_cert.pem
var fallbackCert []byte

// FallbackCertificate returns the compiled-in code signing certificate.
func FallbackCertificate() []byte {
	return append([]byte(nil), fallbackCert...)
}

var (
	// ErrNoCertificate is returned when no certificate could be resolved.
	ErrNoCertificate = errors.New("no code signing certificate")
	// ErrBadCertificate is returned for certificates that cannot be used.
	ErrBadCertificate = errors.New("unusable code signing certificate")
	// ErrOpenImage is returned when the image cannot be opened for reading.
	ErrOpenImage = errors.New("cannot open image")
	// ErrReadImage is returned when reading the image fails midway.
	ErrReadImage = errors.New("cannot read image")
	// ErrSignatureInvalid is returned when the signature does not match.
	ErrSignatureInvalid = errors.New("signature invalid")
)

// CredentialStore resolves certificates by label.
type CredentialStore interface {
	GetCertificate(label string) ([]byte, error)
}

// ImageReader gives read access to the staged image.
// *imagestore.Store implements it.
type ImageReader interface {
	OpenRead() (imagestore.Handle, int64, error)
	Read(h imagestore.Handle, off int64, p []byte) (int, error)
	Release(h imagestore.Handle)
}

// Verifier checks image signatures.
type Verifier struct {
	// Store is consulted first. It may be nil.
	Store CredentialStore
	// Fallback is the PEM certificate used when Store has none for the
	// label. Defaults to the compiled-in certificate.
	Fallback []byte
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int

	logger *slog.Logger
}

// New returns a Verifier using store and the compiled-in fallback.
func New(store CredentialStore, logger *slog.Logger) *Verifier {
	return &Verifier{
		Store:     store,
		Fallback:  fallbackCert,
		ChunkSize: DefaultChunkSize,
		logger:    logger.With("component", "sigverify"),
	}
}

func (v *Verifier) log() *slog.Logger {
	if v.logger == nil {
		return slog.Default()
	}
	return v.logger
}

// Verify reports whether sig is a valid signature of the staged image for
// the certificate labelled label. Every failure counts as invalid.
func (v *Verifier) Verify(ctx context.Context, img ImageReader, label string, sig []byte) bool {
	if err := v.VerifyErr(ctx, img, label, sig); err != nil {
		v.log().Warn("image signature rejected", "label", label, "err", err)
		return false
	}
	return true
}

// VerifyErr is Verify with the reason for a rejection.
func (v *Verifier) VerifyErr(ctx context.Context, img ImageReader, label string, sig []byte) error {
	pub, err := v.publicKey(label)
	if err != nil {
		return err
	}

	h, size, err := img.OpenRead()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenImage, err)
	}
	defer img.Release(h)

	digest, err := v.digest(ctx, img, h)
	if err != nil {
		return err
	}

	if !verifySignature(pub, digest, sig) {
		return ErrSignatureInvalid
	}
	v.log().Info("image signature verified", "label", label, "size", size)
	return nil
}

func (v *Verifier) digest(ctx context.Context, img ImageReader, h imagestore.Handle) ([]byte, error) {
	chunk := v.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	buf := make([]byte, chunk)
	hash := sha256.New()

	for off := int64(0); ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := img.Read(h, off, buf)
		if err != nil {
			return nil, fmt.Errorf("%w at %d: %w", ErrReadImage, off, err)
		}
		hash.Write(buf[:n])
		off += int64(n)
		if n < chunk {
			break
		}
	}
	return hash.Sum(nil), nil
}

func (v *Verifier) publicKey(label string) (*ecdsa.PublicKey, error) {
	var certPEM []byte
	if v.Store != nil && label != "" {
		b, err := v.Store.GetCertificate(label)
		if err == nil {
			certPEM = b
		} else {
			v.log().Info("certificate not in store, using fallback", "label", label, "err", err)
		}
	}
	if certPEM == nil {
		certPEM = v.Fallback
	}
	if len(certPEM) == 0 {
		return nil, ErrNoCertificate
	}
	return ParsePublicKey(certPEM)
}

// ParsePublicKey extracts the ECDSA P-256 key from a PEM certificate.
func ParsePublicKey(certPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no PEM certificate block", ErrBadCertificate)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCertificate, err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T", ErrBadCertificate, cert.PublicKey)
	}
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: curve %s", ErrBadCertificate, pub.Curve.Params().Name)
	}
	return pub, nil
}

// verifySignature accepts ASN.1 DER signatures and raw 64-byte r||s.
func verifySignature(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if ecdsa.Verify(pub, digest, r, s) {
			return true
		}
	}
	return ecdsa.VerifyASN1(pub, digest, sig)
}

// Digest hashes r the same way the verifier hashes an image.
func Digest(r io.Reader) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
