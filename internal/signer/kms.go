// kms.go implements the remote-KMS signer variant. The bridge sends the
// 32-byte digest to the signing service and receives the signature back;
// the private key never leaves the KMS.
package signer

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
)

// KMS signs via a remote key-management service.
type KMS struct {
	http *resty.Client

	addrOnce sync.Once
	addr     common.Address
	addrErr  error
}

// NewKMS creates a KMS signer against the given base URL.
func NewKMS(baseURL string, timeout time.Duration) *KMS {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &KMS{http: client}
}

// Address fetches (and caches) the signing address from the KMS.
func (k *KMS) Address() common.Address {
	k.addrOnce.Do(func() {
		var result struct {
			Address string `json:"address"`
		}
		resp, err := k.http.R().SetResult(&result).Get("/v1/address")
		if err != nil {
			k.addrErr = fmt.Errorf("kms address: %w", err)
			return
		}
		if resp.StatusCode() != http.StatusOK {
			k.addrErr = fmt.Errorf("kms address: status %d: %s", resp.StatusCode(), resp.String())
			return
		}
		k.addr = common.HexToAddress(result.Address)
	})
	return k.addr
}

// SignTypedData signs the EIP-712 digest of data through the KMS.
func (k *KMS) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	digest, err := typedDataDigest(data)
	if err != nil {
		return nil, err
	}
	return k.signDigest(ctx, digest)
}

// SignMessage signs the EIP-191 personal-message hash through the KMS.
func (k *KMS) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return k.signDigest(ctx, accounts.TextHash(msg))
}

func (k *KMS) signDigest(ctx context.Context, digest []byte) ([]byte, error) {
	var result struct {
		Signature string `json:"signature"`
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"digest": hex.EncodeToString(digest)}).
		SetResult(&result).
		Post("/v1/sign")
	if err != nil {
		return nil, fmt.Errorf("kms sign: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("kms sign: status %d: %s", resp.StatusCode(), resp.String())
	}

	sigHex := result.Signature
	if len(sigHex) >= 2 && sigHex[:2] == "0x" {
		sigHex = sigHex[2:]
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("decode kms signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("kms signature length %d, want 65", len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
