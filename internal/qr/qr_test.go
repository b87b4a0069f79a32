package qr_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"ms-fulfillment/internal/qr"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	gen := qr.NewGenerator("test-secret")

	original := []byte(`{"event_id":"evt-1","token":"abc123"}`)
	encrypted, err := gen.Encrypt(original)
	assert.NoError(t, err)
	assert.NotEqual(t, string(original), encrypted)

	decrypted, err := gen.Decrypt(encrypted)
	assert.NoError(t, err)
	assert.Equal(t, original, decrypted)
}

func TestDecodeRoundTrip(t *testing.T) {
	gen := qr.NewGenerator("test-secret")

	payload := qr.Payload{EventID: "evt-1", RawToken: "raw-token-value"}
	encrypted, err := gen.Encrypt(mustJSON(t, payload))
	assert.NoError(t, err)

	decoded, err := gen.Decode(encrypted)
	assert.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeRejectsWrongSecret(t *testing.T) {
	gen := qr.NewGenerator("secret-a")
	other := qr.NewGenerator("secret-b")

	encrypted, err := gen.Encrypt(mustJSON(t, qr.Payload{EventID: "evt-1", RawToken: "tok"}))
	assert.NoError(t, err)

	_, err = other.Decode(encrypted)
	assert.Error(t, err, "decrypting with the wrong key yields garbage, not valid JSON")
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	gen := qr.NewGenerator("test-secret")
	_, err := gen.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestEncodeProducesPNG(t *testing.T) {
	gen := qr.NewGenerator("test-secret")

	png, err := gen.Encode(qr.Payload{EventID: "evt-1", RawToken: "tok"})
	assert.NoError(t, err)
	assert.NotEmpty(t, png)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func mustJSON(t *testing.T, p qr.Payload) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	assert.NoError(t, err)
	return data
}
