package manifest

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// BLAKE3 はマニフェストのフィンガープリントに使うアルゴリズム名
const BLAKE3 digest.Algorithm = "blake3"

var canonicalEncMode cbor.EncMode

func init() {
	var err error
	canonicalEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("manifest: failed to create CBOR encoder: %v", err))
	}
}

// Canonical はマニフェストの決定的なCBOR表現を返す
func (m *Manifest) Canonical() ([]byte, error) {
	data, err := canonicalEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

// Digest は決定的なCBOR表現に対するBLAKE3ダイジェストを返す
// 同じ入力から解決したマニフェストは常に同じダイジェストになる
func (m *Manifest) Digest() (digest.Digest, error) {
	data, err := m.Canonical()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return digest.NewDigestFromEncoded(BLAKE3, hex.EncodeToString(sum[:])), nil
}
