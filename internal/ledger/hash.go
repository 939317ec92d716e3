package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type typedArg struct {
	T string `json:"t"`
	V any    `json:"v"`
}

// ArgsHash fingerprints resolved constructor arguments. Each argument is
// encoded with its kind so that the string "0" and the integer 0 hash
// differently, then the list is keccak256-hashed.
func ArgsHash(args ...any) (common.Hash, error) {
	encoded := make([]typedArg, 0, len(args))
	for i, arg := range args {
		e, err := canonical(arg)
		if err != nil {
			return common.Hash{}, fmt.Errorf("argument %d: %w", i, err)
		}
		encoded = append(encoded, e)
	}

	data, err := json.Marshal(encoded)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode constructor arguments: %w", err)
	}

	return crypto.Keccak256Hash(data), nil
}

// MustArgsHash is ArgsHash for arguments known to be encodable.
func MustArgsHash(args ...any) common.Hash {
	h, err := ArgsHash(args...)
	if err != nil {
		panic(err)
	}
	return h
}

func canonical(arg any) (typedArg, error) {
	switch v := arg.(type) {
	case nil:
		return typedArg{T: "nil"}, nil
	case common.Address:
		return typedArg{T: "address", V: v.Hex()}, nil
	case *common.Address:
		if v == nil {
			return typedArg{T: "nil"}, nil
		}
		return typedArg{T: "address", V: v.Hex()}, nil
	case common.Hash:
		return typedArg{T: "bytes32", V: v.Hex()}, nil
	case *big.Int:
		if v == nil {
			return typedArg{T: "nil"}, nil
		}
		return typedArg{T: "int", V: v.String()}, nil
	case string:
		return typedArg{T: "string", V: v}, nil
	case bool:
		return typedArg{T: "bool", V: v}, nil
	case []byte:
		return typedArg{T: "bytes", V: hexutil.Encode(v)}, nil
	}

	rv := reflect.ValueOf(arg)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return typedArg{T: "int", V: big.NewInt(rv.Int()).String()}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return typedArg{T: "int", V: new(big.Int).SetUint64(rv.Uint()).String()}, nil
	case reflect.Slice, reflect.Array:
		items := make([]typedArg, 0, rv.Len())
		for i := range rv.Len() {
			item, err := canonical(rv.Index(i).Interface())
			if err != nil {
				return typedArg{}, err
			}
			items = append(items, item)
		}
		return typedArg{T: "list", V: items}, nil
	default:
		return typedArg{}, fmt.Errorf("unsupported argument type %T", arg)
	}
}
