package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"code.superseriousbusiness.org/httpsig"
	"github.com/pharosrelay/pharos/domain"
)

// Distinct verification failure causes. Logged server-side only; the HTTP
// response collapses all of them to a uniform 401 so callers cannot probe
// which actors are known.
var (
	errInvalidSignature  = errors.New("invalid signature header")
	errInvalidDigest     = errors.New("body digest mismatch")
	errUnknownActor      = errors.New("unknown actor")
	errSignatureMismatch = errors.New("signature mismatch")
)

// SignRequest signs an outgoing HTTP request with the given private key.
// keyId format: "https://relay.example.org/relay#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// SignatureVerifier checks inbound request signatures, resolving signer keys
// through the KeyManager cache.
type SignatureVerifier struct {
	keys *KeyManager
}

func NewSignatureVerifier(keys *KeyManager) *SignatureVerifier {
	return &SignatureVerifier{keys: keys}
}

// Verify reconstructs the signed byte sequence from the request's signature
// header, resolves the claimed signer's public key and checks the signature.
// The signature only covers header values, so the body is bound separately:
// the Digest header must be among the signed headers and must match the
// SHA-256 of the received body, or the signed headers could be replayed with
// an arbitrary body. Returns the signing actor URI on success and
// domain.ErrUnauthorized on any failure; the sub-cause is only logged.
func (sv *SignatureVerifier) Verify(req *http.Request, body []byte) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		log.Printf("SignatureVerifier: %v: %v", errInvalidSignature, err)
		return "", domain.ErrUnauthorized
	}

	if err := verifyBodyDigest(req, body); err != nil {
		log.Printf("SignatureVerifier: %v: %v", errInvalidDigest, err)
		return "", domain.ErrUnauthorized
	}

	// keyId is "https://relay.example.org/relay#main-key"; the part before
	// the fragment is the signing actor.
	actorURI := strings.Split(verifier.KeyId(), "#")[0]
	if actorURI == "" {
		log.Printf("SignatureVerifier: %v: empty keyId", errInvalidSignature)
		return "", domain.ErrUnauthorized
	}

	pubKey, err := sv.keys.PublicKeyFor(req.Context(), actorURI)
	if err != nil {
		log.Printf("SignatureVerifier: %v: %s: %v", errUnknownActor, actorURI, err)
		return "", domain.ErrUnauthorized
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		log.Printf("SignatureVerifier: %v: %s: %v", errSignatureMismatch, actorURI, err)
		return "", domain.ErrUnauthorized
	}

	return actorURI, nil
}

// verifyBodyDigest requires a signed SHA-256 Digest header matching the body.
func verifyBodyDigest(req *http.Request, body []byte) error {
	if !signatureCoversDigest(req) {
		return errors.New("digest header not covered by the signature")
	}

	digest := req.Header.Get("Digest")
	const prefix = "SHA-256="
	if !strings.HasPrefix(digest, prefix) {
		return fmt.Errorf("unsupported digest header %q", digest)
	}

	hash := sha256.Sum256(body)
	if strings.TrimPrefix(digest, prefix) != base64.StdEncoding.EncodeToString(hash[:]) {
		return errors.New("digest does not match body")
	}
	return nil
}

// signatureCoversDigest reports whether the digest header is part of the
// signed header set named in the Signature header.
func signatureCoversDigest(req *http.Request) bool {
	sig := req.Header.Get("Signature")
	start := strings.Index(sig, `headers="`)
	if start < 0 {
		return false
	}
	covered := sig[start+len(`headers="`):]
	end := strings.Index(covered, `"`)
	if end < 0 {
		return false
	}
	for _, header := range strings.Fields(covered[:end]) {
		if strings.EqualFold(header, "digest") {
			return true
		}
	}
	return false
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
