package crypto

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"
)

// WriteVarInt encodes n as a Bitcoin CompactSize varint.
func WriteVarInt(n uint64) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarInt(&buf, 0, n)
	return buf.Bytes()
}

// WriteVarBytes encodes b as a varint length prefix followed by b itself,
// the form used for scriptSig and scriptPubKey fields in raw transactions.
func WriteVarBytes(b []byte) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarBytes(&buf, 0, b)
	return buf.Bytes()
}

// PushScriptInt encodes height as a minimal-length little-endian integer
// push, the BIP34 coinbase scriptSig prefix (serializeNumber-style: a
// length byte followed by the minimal-width little-endian encoding, with a
// high bit padding byte when the top bit of the value would otherwise be
// mistaken for a sign).
func PushScriptInt(n int64) []byte {
	if n == 0 {
		return []byte{0x00}
	}

	negative := n < 0
	absValue := n
	if negative {
		absValue = -n
	}

	var result []byte
	for absValue > 0 {
		result = append(result, byte(absValue&0xff))
		absValue >>= 8
	}

	if result[len(result)-1]&0x80 != 0 {
		if negative {
			result = append(result, 0x80)
		} else {
			result = append(result, 0x00)
		}
	} else if negative {
		result[len(result)-1] |= 0x80
	}

	return append([]byte{byte(len(result))}, result...)
}
