package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/graphnote/graphnote/internal/schema"
)

// On the wire, an encrypted space's element and props are JSON strings
// holding ciphertext of the plaintext JSON value. Locally they are always
// plaintext JSON.

// decodeIncoming returns the local form of a node received from the server.
func (s *syncer) decodeIncoming(space *schema.Space, n *schema.Node) (*schema.Node, error) {
	out := n.Clone()
	if !space.EncryptionEnabled() {
		return out, nil
	}

	var err error
	if out.Element, err = s.decryptField(n.Element, space.Password); err != nil {
		return nil, fmt.Errorf("node %s element: %w", n.ID, err)
	}
	if out.Props, err = s.decryptField(n.Props, space.Password); err != nil {
		return nil, fmt.Errorf("node %s props: %w", n.ID, err)
	}
	return out, nil
}

// encodeOutgoing returns the wire form of a local node.
func (s *syncer) encodeOutgoing(space *schema.Space, n *schema.Node) (*schema.Node, error) {
	out := n.Clone()
	if !space.EncryptionEnabled() {
		return out, nil
	}

	var err error
	if out.Element, err = s.encryptField(n.Element, space.Password); err != nil {
		return nil, fmt.Errorf("failed to encrypt node %s element: %w", n.ID, err)
	}
	if out.Props, err = s.encryptField(n.Props, space.Password); err != nil {
		return nil, fmt.Errorf("failed to encrypt node %s props: %w", n.ID, err)
	}
	return out, nil
}

func (s *syncer) decryptField(raw json.RawMessage, password string) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return raw, nil
	}

	var ciphertext string
	if err := json.Unmarshal(raw, &ciphertext); err != nil {
		return nil, fmt.Errorf("%w: expected a ciphertext string", schema.ErrDecryption)
	}

	plaintext, err := s.cipher.Decrypt(ciphertext, password)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(plaintext)) {
		return nil, fmt.Errorf("%w: decrypted payload is not valid JSON", schema.ErrDecryption)
	}
	return json.RawMessage(plaintext), nil
}

func (s *syncer) encryptField(raw json.RawMessage, password string) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return raw, nil
	}

	ciphertext, err := s.cipher.Encrypt(string(raw), password)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ciphertext)
}
