// Package identity manages the node's Ed25519 keypair and derived node_id,
// and signs/verifies group descriptors on its behalf.
package identity

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// NodeID is the SHA-256 hash of a node's Ed25519 public key.
type NodeID [32]byte

// String returns the lowercase hex encoding of the node id.
func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// DeriveNodeID computes node_id = SHA-256(public_key), the identity
// invariant required by spec §3.
func DeriveNodeID(pub ed25519.PublicKey) NodeID {
	return NodeID(sha256.Sum256(pub))
}

// Identity holds a node's long-lived Ed25519 keypair.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	NodeID  NodeID
}

type keyFile struct {
	Private string `json:"private_key"`
	Public  string `json:"public_key"`
}

// Load reads an identity from path, creating a fresh Ed25519 keypair and
// persisting it if the file does not yet exist. Once created, a node's
// identity is never rotated without operator action (spec §3).
func Load(path string, logger *logrus.Logger) (*Identity, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if data, err := os.ReadFile(path); err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("identity: decode key file %s: %w", path, err)
		}
		priv, err := hex.DecodeString(kf.Private)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: malformed private key in %s", path)
		}
		sk := ed25519.PrivateKey(priv)
		pub := sk.Public().(ed25519.PublicKey)
		return &Identity{Public: pub, private: sk, NodeID: DeriveNodeID(pub)}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read key file %s: %w", path, err)
	}

	pub, sk, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("identity: create key dir: %w", err)
	}
	kf := keyFile{Private: hex.EncodeToString(sk), Public: hex.EncodeToString(pub)}
	data, err := json.Marshal(kf)
	if err != nil {
		return nil, fmt.Errorf("identity: encode key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write key file %s: %w", path, err)
	}
	id := &Identity{Public: pub, private: sk, NodeID: DeriveNodeID(pub)}
	logger.WithField("node_id", id.NodeID.String()).Info("generated new node identity")
	return id, nil
}

// Sign produces an Ed25519 signature over data.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.private, data)
}

// Verify checks an Ed25519 signature against the given public key, and that
// the claimed owner id matches SHA-256(pubkey), enforcing spec §3 invariant 6.
func Verify(ownerID NodeID, pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	if DeriveNodeID(pub) != ownerID {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
