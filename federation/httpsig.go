package federation

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"

	"github.com/lowfreq/tremolo/util"
)

// dateWindow is the maximum clock skew accepted on signed requests.
const dateWindow = 30 * time.Second

var getHeaders = []string{"(request-target)", "host", "date"}
var postHeaders = []string{"(request-target)", "host", "date", "digest", "content-type"}

// SignGetRequest signs an outbound GET. The Date header is set here so
// it is covered by the signature.
func SignGetRequest(req *http.Request, privateKey *rsa.PrivateKey, keyID string) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		getHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	return signer.SignRequest(privateKey, keyID, req, nil)
}

// SignPostRequest signs an outbound POST, covering a sha-256 digest of
// the body.
func SignPostRequest(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyID string) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		postHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	return signer.SignRequest(privateKey, keyID, req, body)
}

// ParseSignatureKeyID extracts and validates the keyId of an inbound
// Signature header. It must be an absolute http(s) URL with a host.
func ParseSignatureKeyID(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	keyID := verifier.KeyId()
	parsed, err := url.Parse(keyID)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("%w: keyId %q is not an absolute url", ErrSignatureInvalid, keyID)
	}
	return keyID, nil
}

// KeyOwner strips the key fragment from a keyId, yielding the actor fid.
func KeyOwner(keyID string) string {
	return strings.SplitN(keyID, "#", 2)[0]
}

// VerifyRequest checks the inbound signature against the given public
// key and enforces the Date header window. Returns the verified keyId.
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	if err := checkDate(req); err != nil {
		return "", err
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	pubKey, err := util.ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return verifier.KeyId(), nil
}

func checkDate(req *http.Request) error {
	raw := req.Header.Get("Date")
	if raw == "" {
		return fmt.Errorf("%w: missing Date header", ErrSignatureInvalid)
	}
	date, err := http.ParseTime(raw)
	if err != nil {
		return fmt.Errorf("%w: unparseable Date header", ErrSignatureInvalid)
	}
	skew := time.Since(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > dateWindow {
		return fmt.Errorf("%w: Date header outside the accepted window", ErrSignatureInvalid)
	}
	return nil
}
