package reqhash

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLEB128(t *testing.T) {
	assert.Equal(t, []byte{0x00}, leb128(0))
	assert.Equal(t, []byte{0x7f}, leb128(127))
	assert.Equal(t, []byte{0x80, 0x01}, leb128(128))
	assert.Equal(t, []byte{0xe5, 0x8e, 0x26}, leb128(624485))
}

// Request id of the worked example in the public ledger HTTP interface
// documentation.
func TestMap_KnownRequestID(t *testing.T) {
	canister, _ := hex.DecodeString("00000000000004D2")
	sender, _ := hex.DecodeString("04")
	arg, _ := hex.DecodeString("4449444c00fd2a")

	id, err := Map(map[string]any{
		"request_type":   "call",
		"canister_id":    canister,
		"method_name":    "hello",
		"arg":            arg,
		"sender":         sender,
		"ingress_expiry": uint64(1685570400000000000),
	})
	require.NoError(t, err)
	assert.Equal(t, "1d1091364d6bb8a6c16b203ee75467d59ead468f523eb058880ae8ec80e2b101", hex.EncodeToString(id[:]))
}

func TestMap_OrderIndependent(t *testing.T) {
	a, err := Map(map[string]any{"a": "x", "b": uint64(1), "c": []byte{1}})
	require.NoError(t, err)
	b, err := Map(map[string]any{"c": []byte{1}, "b": 1, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestValue_Unsupported(t *testing.T) {
	_, err := Value(3.14)
	assert.Error(t, err)
	_, err = Map(map[string]any{"n": -1})
	assert.Error(t, err)
}

func TestSigningMessage(t *testing.T) {
	var h [32]byte
	msg := SigningMessage(DomainDelegation, h)
	assert.Equal(t, byte(0x1a), msg[0])
	assert.Equal(t, "ic-request-auth-delegation", string(msg[1:27]))
	assert.Len(t, msg, 27+32)
}
