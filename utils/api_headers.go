package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"
)

const (
	XNodeIdHeader     = "X-Node-Id"
	XNodePubKeyHeader = "X-Node-PubKey"
	XTimestampHeader  = "X-Timestamp"
	XSignatureHeader  = "X-Signature"
)

// BuildSignPayload builds the binary payload request signatures cover.
// Format: hex(SHA256(method || path || SHA256(body) || timestamp(LE64) || node_id))
func BuildSignPayload(method, path string, body []byte, timestamp int64, nodeID string) []byte {
	bodyHash := sha256.Sum256(body)

	buf := new(bytes.Buffer)
	buf.WriteString(method)
	buf.WriteString(path)
	buf.Write(bodyHash[:])
	binary.Write(buf, binary.LittleEndian, timestamp)
	buf.WriteString(nodeID)

	hash := sha256.Sum256(buf.Bytes())
	return []byte(hex.EncodeToString(hash[:]))
}

// SignPayload signs a payload with a secp256k1 key and returns the
// base64-encoded DER signature.
func SignPayload(priv *secp256k1.PrivateKey, payload []byte) string {
	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(priv, digest[:])
	return base64.StdEncoding.EncodeToString(sig.Serialize())
}

// VerifySignature checks a base64 DER signature over payload against a
// base64-encoded compressed secp256k1 public key.
func VerifySignature(pubKeyB64, sigB64 string, payload []byte) error {
	pubKeyBytes, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return errors.Wrap(err, "invalid pubkey encoding")
	}
	pubKey, err := secp256k1.ParsePubKey(pubKeyBytes)
	if err != nil {
		return errors.Wrap(err, "invalid pubkey")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return errors.Wrap(err, "invalid signature encoding")
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return errors.Wrap(err, "invalid signature")
	}

	digest := sha256.Sum256(payload)
	if !sig.Verify(digest[:], pubKey) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PubKeyToBase64 encodes a compressed secp256k1 public key.
func PubKeyToBase64(pub *secp256k1.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.SerializeCompressed())
}
