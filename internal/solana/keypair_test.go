package solana

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seedByte byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seedByte}, ed25519.SeedSize))
}

// buildTx assembles an unsigned v0 transaction with the given signer keys
// followed by one read-only program account.
func buildTx(t *testing.T, versioned bool, signers ...ed25519.PublicKey) []byte {
	t.Helper()
	var msg []byte
	if versioned {
		msg = append(msg, versionPrefixMask)
	}
	msg = append(msg, byte(len(signers)), 0, 1)
	msg = appendCompactU16(msg, len(signers)+1)
	for _, s := range signers {
		msg = append(msg, s...)
	}
	msg = append(msg, bytes.Repeat([]byte{7}, pubkeyLen)...) // program
	msg = append(msg, bytes.Repeat([]byte{9}, 32)...)        // recent blockhash
	msg = appendCompactU16(msg, 0)                           // instructions
	if versioned {
		msg = appendCompactU16(msg, 0) // address table lookups
	}

	tx := appendCompactU16(nil, len(signers))
	tx = append(tx, make([]byte, signatureLen*len(signers))...)
	return append(tx, msg...)
}

func TestCompactU16(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 255, 16383, 16384, 65535} {
		enc := appendCompactU16(nil, v)
		got, n, err := decodeCompactU16(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}
	assert.Equal(t, []byte{0x80, 0x01}, appendCompactU16(nil, 128))

	_, _, err := decodeCompactU16([]byte{0x80})
	assert.ErrorIs(t, err, ErrShortTransaction)
}

func TestDecodeTransaction(t *testing.T) {
	key := testKey(1)
	pub := key.Public().(ed25519.PublicKey)

	tx, err := DecodeTransaction(buildTx(t, true, pub))
	require.NoError(t, err)
	assert.Equal(t, 0, tx.Version)
	assert.Equal(t, 1, tx.NumRequiredSignatures)
	assert.Len(t, tx.AccountKeys, 2)
	assert.Equal(t, Pubkey(base58.Encode(pub)), tx.FeePayer())

	legacy, err := DecodeTransaction(buildTx(t, false, pub))
	require.NoError(t, err)
	assert.Equal(t, -1, legacy.Version)

	_, err = DecodeTransaction([]byte{1, 0, 0})
	assert.ErrorIs(t, err, ErrShortTransaction)
}

func TestTransactionSign(t *testing.T) {
	payer := testKey(1)
	cosigner := testKey(2)
	raw := buildTx(t, true, payer.Public().(ed25519.PublicKey), cosigner.Public().(ed25519.PublicKey))

	tx, err := DecodeTransaction(raw)
	require.NoError(t, err)

	sig, err := tx.Sign(cosigner)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(cosigner.Public().(ed25519.PublicKey), tx.Message, sig))
	assert.Equal(t, make([]byte, signatureLen), tx.Signatures[0])
	assert.Equal(t, sig, tx.Signatures[1])

	_, err = tx.Sign(testKey(3))
	assert.Error(t, err)

	// Serialize keeps the message bytes intact.
	out := tx.Serialize()
	assert.Equal(t, len(raw), len(out))
	assert.True(t, bytes.HasSuffix(out, tx.Message))
}

func TestParseKeypair(t *testing.T) {
	key := testKey(5)

	kp, err := ParseKeypair(base58.Encode(key))
	require.NoError(t, err)
	assert.Equal(t, Pubkey(base58.Encode(key.Public().(ed25519.PublicKey))), kp.Public)
	assert.True(t, kp.Public.Valid())

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	arr, _ := json.Marshal(ints)
	kp2, err := ParseKeypair(string(arr))
	require.NoError(t, err)
	assert.Equal(t, kp.Public, kp2.Public)

	_, err = ParseKeypair(base58.Encode(key[:32]))
	assert.Error(t, err, "32-byte seed alone is rejected")

	tampered := append(ed25519.PrivateKey(nil), key...)
	tampered[40] ^= 0xff
	_, err = ParseKeypair(base58.Encode(tampered))
	assert.Error(t, err, "public half must match the seed")

	_, err = ParseKeypair("not-base58-0OIl")
	assert.Error(t, err)
}

func TestIsOnCurve(t *testing.T) {
	assert.True(t, IsOnCurve(testKey(9).Public().(ed25519.PublicKey)))
	assert.False(t, IsOnCurve([]byte{1, 2, 3}))

	// Roughly half of all 32-byte strings are not curve points.
	foundOff := false
	for i := 0; i < 256 && !foundOff; i++ {
		b := make([]byte, 32)
		b[0] = byte(i)
		b[1] = 0x5a
		foundOff = !IsOnCurve(b)
	}
	assert.True(t, foundOff)
}

func TestKeypairSigner(t *testing.T) {
	key := testKey(4)
	pub := key.Public().(ed25519.PublicKey)
	signer, err := NewKeypairSigner(map[string]string{"alice": base58.Encode(key)})
	require.NoError(t, err)
	ctx := context.Background()

	addr, err := signer.Address(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Pubkey(base58.Encode(pub)), addr)

	_, err = signer.Address(ctx, "bob")
	assert.Error(t, err)

	unsigned := base64.StdEncoding.EncodeToString(buildTx(t, true, pub))
	signedB64, sig, err := signer.SignTransaction(ctx, "alice", unsigned)
	require.NoError(t, err)

	signed, err := base64.StdEncoding.DecodeString(signedB64)
	require.NoError(t, err)
	tx, err := DecodeTransaction(signed)
	require.NoError(t, err)
	rawSig, err := base58.Decode(string(sig))
	require.NoError(t, err)
	assert.Equal(t, rawSig, tx.Signatures[0])
	assert.True(t, ed25519.Verify(pub, tx.Message, rawSig))

	// A transaction paid by someone else is refused.
	other := base64.StdEncoding.EncodeToString(buildTx(t, true, testKey(8).Public().(ed25519.PublicKey)))
	_, _, err = signer.SignTransaction(ctx, "alice", other)
	assert.Error(t, err)

	_, err = NewKeypairSigner(map[string]string{"carol": "short"})
	assert.Error(t, err)
}
