// Package signer abstracts the signing capability the bridge needs to
// produce firm, cryptographically-signed quotes. Two variants exist:
//
//   - Local: an in-memory secp256k1 key. Signs EIP-712 typed data and
//     EIP-191 personal messages directly.
//   - KMS: a remote signing service reached over HTTP. The key never
//     leaves the KMS; the bridge sends digests and receives signatures.
//
// On-chain transaction submission is out of scope; callers only need
// {address, sign-typed-data, sign-message}.
package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer is the capability contract shared by all variants.
type Signer interface {
	// Address returns the signing address.
	Address() common.Address
	// SignTypedData signs an EIP-712 typed-data payload and returns the
	// 65-byte [R || S || V] signature with V in {27, 28}.
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	// SignMessage signs an EIP-191 personal message.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// typedDataDigest computes the EIP-712 digest for a typed-data payload.
func typedDataDigest(data apitypes.TypedData) ([]byte, error) {
	domainSep, err := data.HashStruct("EIP712Domain", data.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	msgHash, err := data.HashStruct(data.PrimaryType, data.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	raw := append([]byte{0x19, 0x01}, append(domainSep, msgHash...)...)
	return crypto.Keccak256(raw), nil
}

// Local signs with an in-memory private key.
type Local struct {
	key  *keyHolder
	addr common.Address
}

// keyHolder keeps the parsed key out of struct literals and logs.
type keyHolder struct {
	priv []byte
}

// NewLocal parses a hex private key (with or without 0x prefix).
func NewLocal(privateKeyHex string) (*Local, error) {
	if len(privateKeyHex) >= 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}
	priv, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Local{
		key:  &keyHolder{priv: crypto.FromECDSA(priv)},
		addr: crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// Address returns the address derived from the private key.
func (l *Local) Address() common.Address { return l.addr }

// SignTypedData signs the EIP-712 digest of data.
func (l *Local) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	digest, err := typedDataDigest(data)
	if err != nil {
		return nil, err
	}
	return l.signDigest(digest)
}

// SignMessage signs the EIP-191 personal-message hash of msg.
func (l *Local) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	return l.signDigest(accounts.TextHash(msg))
}

func (l *Local) signDigest(digest []byte) ([]byte, error) {
	priv, err := crypto.ToECDSA(l.key.priv)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	sig, err := crypto.Sign(digest, priv)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	// Shift V from {0,1} to {27,28} as verifiers expect.
	sig[64] += 27
	return sig, nil
}
