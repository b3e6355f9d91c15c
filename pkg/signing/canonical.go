package signing

import (
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrVerification indicates a signature that decoded cleanly but does
// not match the body under the given key.
var ErrVerification = errors.New("signature verification failed")

// SignDetached canonicalizes a JSON body per RFC 8785 and signs the
// canonical form. Senders and receivers may re-encode the body freely;
// only the canonical bytes are covered by the signature.
func SignDetached(s Signer, body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}
	return s.Sign(canonical)
}

// VerifyDetached checks a detached signature over the JCS-canonical
// form of body. It returns ErrVerification when the signature is well
// formed but wrong, and a descriptive error for malformed inputs.
func VerifyDetached(pubKeyHex, sigHex string, body []byte) error {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return fmt.Errorf("canonicalize body: %w", err)
	}
	ok, err := Verify(pubKeyHex, sigHex, canonical)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVerification
	}
	return nil
}
