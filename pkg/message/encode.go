package message

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var uint256Args = abi.Arguments{{Type: mustNewType("uint256")}}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// encodeUint256 ABI-encodes v as a single uint256 word.
func encodeUint256(v uint64) ([]byte, error) {
	return uint256Args.Pack(new(big.Int).SetUint64(v))
}
