package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/novafund/lifeperp/internal/domain"
)

// reportDomainTag namespaces report digests so a signature over a report can
// never be replayed as a signature over anything else.
const reportDomainTag = "lifeperp.report.v1"

// ReportDigest computes the canonical 32-byte digest of a report:
//
//	keccak256(tag || reporterID || value || unix-nano timestamp)
//
// The value is encoded as its exact decimal string, so two numerically equal
// but differently scaled values produce the same digest only when their
// canonical string forms match.
func ReportDigest(report domain.Report) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(report.At.UnixNano()))

	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(reportDomainTag)...)
	buf = append(buf, []byte(report.ReporterID)...)
	buf = append(buf, []byte(report.Value.String())...)
	buf = append(buf, ts[:]...)
	return ethcrypto.Keccak256(buf)
}

// Signer signs reports with a secp256k1 key. Reporter processes use it to
// produce the signatures the aggregator verifies.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the hex address derived from the signer's private key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignReport signs the canonical report digest and returns the 65-byte
// signature (r || s || v, v in {0,1}).
func (s *Signer) SignReport(report domain.Report) ([]byte, error) {
	sig, err := ethcrypto.Sign(ReportDigest(report), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	return sig, nil
}

// Verifier checks report signatures by recovering the signing key and
// comparing its address against the reporter's registered address.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify recovers the public key from the report's signature and rejects the
// report unless the recovered address matches the expected one.
func (v *Verifier) Verify(report domain.Report, address string) error {
	if len(report.Signature) != 65 {
		return fmt.Errorf("crypto/signer: signature length %d: %w", len(report.Signature), domain.ErrBadSignature)
	}

	sig := make([]byte, 65)
	copy(sig, report.Signature)
	// Accept both v in {0,1} and the legacy {27,28} form.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(ReportDigest(report), sig)
	if err != nil {
		return fmt.Errorf("crypto/signer: recover: %w", domain.ErrBadSignature)
	}

	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), address) {
		return fmt.Errorf("crypto/signer: recovered %s, registered %s: %w",
			recovered.Hex(), address, domain.ErrBadSignature)
	}
	return nil
}

// DecodeSignature parses a hex signature string, with or without 0x prefix.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	return raw, nil
}
