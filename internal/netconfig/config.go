// Package netconfig resolves a network identifier to the static, per-network
// configuration (token addresses, previously deployed contracts and tunable
// parameters) that deployment steps read their inputs from.
package netconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const tokensSection = "Tokens"

var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrMissingValue   = errors.New("missing configuration value")
	ErrInvalidValue   = errors.New("invalid configuration value")
)

type (
	ValueKind string

	// Value is a non-address leaf of a network configuration file.
	Value struct {
		Kind ValueKind
		Raw  string
	}

	// NetworkConfig is immutable once parsed; accessors hand out copies.
	NetworkConfig struct {
		NetworkID  string
		tokens     map[string]common.Address
		contracts  map[string]common.Address
		parameters map[string]Value
	}
)

const (
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueString ValueKind = "string"
)

// Big returns the value as an integer. Non-integral numbers are rejected.
func (v Value) Big() (*big.Int, error) {
	if v.Kind != ValueNumber {
		return nil, fmt.Errorf("%w: '%s' is a %s, not a number", ErrInvalidValue, v.Raw, v.Kind)
	}
	n, ok := new(big.Int).SetString(v.Raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' is not an integer", ErrInvalidValue, v.Raw)
	}
	return n, nil
}

func (v Value) Bool() (bool, error) {
	if v.Kind != ValueBool {
		return false, fmt.Errorf("%w: '%s' is a %s, not a boolean", ErrInvalidValue, v.Raw, v.Kind)
	}
	return v.Raw == "true", nil
}

func (v Value) String() string {
	return v.Raw
}

// Parse classifies the leaves of a decoded configuration document.
//
//   - string leaves under the Tokens section are token addresses
//   - other hex-address strings are contract addresses
//   - numbers, booleans, decimal strings and remaining strings are parameters
//
// Nested keys are joined with dots ("Pancakeswap.Router"); top-level keys stay
// bare ("Lottery").
func Parse(networkID string, doc map[string]any) (NetworkConfig, error) {
	cfg := NetworkConfig{
		NetworkID:  networkID,
		tokens:     make(map[string]common.Address),
		contracts:  make(map[string]common.Address),
		parameters: make(map[string]Value),
	}

	if err := cfg.walk("", doc); err != nil {
		return NetworkConfig{}, err
	}

	return cfg, nil
}

func (c *NetworkConfig) walk(prefix string, node map[string]any) error {
	for _, key := range slices.Sorted(maps.Keys(node)) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		switch leaf := node[key].(type) {
		case map[string]any:
			if err := c.walk(path, leaf); err != nil {
				return err
			}
		case string:
			if err := c.addString(path, leaf); err != nil {
				return err
			}
		case json.Number:
			c.parameters[path] = Value{Kind: ValueNumber, Raw: leaf.String()}
		case float64:
			c.parameters[path] = Value{Kind: ValueNumber, Raw: big.NewFloat(leaf).Text('f', -1)}
		case bool:
			c.parameters[path] = Value{Kind: ValueBool, Raw: fmt.Sprintf("%t", leaf)}
		case nil:
			continue
		default:
			return fmt.Errorf("%w: unsupported value of type %T at '%s'", ErrInvalidValue, leaf, path)
		}
	}

	return nil
}

func (c *NetworkConfig) addString(path, value string) error {
	if tokenPath, ok := strings.CutPrefix(path, tokensSection+"."); ok {
		if !common.IsHexAddress(value) {
			return fmt.Errorf("%w: token '%s' has non-address value '%s'", ErrInvalidValue, tokenPath, value)
		}
		c.tokens[tokenPath] = common.HexToAddress(value)
		return nil
	}

	if common.IsHexAddress(value) {
		c.contracts[path] = common.HexToAddress(value)
		return nil
	}

	if _, ok := new(big.Int).SetString(value, 10); ok {
		c.parameters[path] = Value{Kind: ValueNumber, Raw: value}
		return nil
	}

	c.parameters[path] = Value{Kind: ValueString, Raw: value}
	return nil
}

// Token returns the address of a token by symbol.
func (c NetworkConfig) Token(symbol string) (common.Address, error) {
	addr, ok := c.tokens[symbol]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s has no token '%s'", ErrMissingValue, c.NetworkID, symbol)
	}
	return addr, nil
}

// HasToken reports whether the network config carries the given token.
func (c NetworkConfig) HasToken(symbol string) bool {
	_, ok := c.tokens[symbol]
	return ok
}

// Contract returns a previously deployed contract address by logical name.
func (c NetworkConfig) Contract(name string) (common.Address, error) {
	addr, ok := c.contracts[name]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s has no contract '%s'", ErrMissingValue, c.NetworkID, name)
	}
	return addr, nil
}

func (c NetworkConfig) Param(name string) (Value, error) {
	v, ok := c.parameters[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s has no parameter '%s'", ErrMissingValue, c.NetworkID, name)
	}
	return v, nil
}

// Uint returns an integer parameter.
func (c NetworkConfig) Uint(name string) (*big.Int, error) {
	v, err := c.Param(name)
	if err != nil {
		return nil, err
	}
	n, err := v.Big()
	if err != nil {
		return nil, fmt.Errorf("parameter '%s': %w", name, err)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("%w: parameter '%s' is negative", ErrInvalidValue, name)
	}
	return n, nil
}

func (c NetworkConfig) Bool(name string) (bool, error) {
	v, err := c.Param(name)
	if err != nil {
		return false, err
	}
	b, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("parameter '%s': %w", name, err)
	}
	return b, nil
}
