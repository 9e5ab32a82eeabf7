package crypto

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ErrUnsupportedAddressType is returned for address encodings this proxy
// does not accept as a payout destination: Bech32m (Taproot, witness
// version 1+) and anything txscript cannot build a standard script for.
var ErrUnsupportedAddressType = errors.New("crypto: unsupported address type")

// DecodeOutputScript resolves a payout address string into the scriptPubKey
// used for the coinbase output, restricted to P2PKH, P2SH, P2WPKH, and P2WSH
// (Bech32 witness v0). Bech32m (Taproot) and any other witness version are
// rejected explicitly rather than risking a malformed or unspendable output.
func DecodeOutputScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}

	if !addr.IsForNet(params) {
		return nil, errors.New("crypto: address is not valid for the configured network")
	}

	switch a := addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return txscript.PayToAddrScript(a)
	case *btcutil.AddressScriptHash:
		return txscript.PayToAddrScript(a)
	case *btcutil.AddressWitnessPubKeyHash:
		return txscript.PayToAddrScript(a)
	case *btcutil.AddressWitnessScriptHash:
		return txscript.PayToAddrScript(a)
	case *btcutil.AddressTaproot:
		return nil, ErrUnsupportedAddressType
	default:
		return nil, ErrUnsupportedAddressType
	}
}
