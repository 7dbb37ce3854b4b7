// Package identity manages each node's stable cryptographic identity: an
// Ed25519 key pair persisted to a single private key file, with the node's
// id derived as the libp2p peer ID (itself a multihash of the public key,
// the concrete form of "the hash of its public key" in the design).
package identity

import (
	"fmt"
	"os"
	"runtime"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// NodeIdentity is the stable identity of a participant in the swarm.
// It is created once at first boot, persisted, and never rotated online.
type NodeIdentity struct {
	Priv crypto.PrivKey
	ID   peer.ID
}

// CheckKeyFilePermissions verifies that a key file is not readable by group or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadOrCreate loads an identity from path, generating and persisting a
// fresh Ed25519 key pair if the file does not yet exist.
func LoadOrCreate(path string) (*NodeIdentity, error) {
	priv, err := loadOrCreateKey(path)
	if err != nil {
		return nil, err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive node id: %w", err)
	}
	return &NodeIdentity{Priv: priv, ID: id}, nil
}

func loadOrCreateKey(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal key from %s: %w", path, err)
		}
		return priv, nil
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key to %s: %w", path, err)
	}

	return priv, nil
}

// String returns the node id in its canonical base58 form.
func (n *NodeIdentity) String() string {
	return n.ID.String()
}
