package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrUnknownContract = errors.New("unknown contract")

// CompiledContract is one entry of the compiled artifacts file.
type CompiledContract struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// LoadArtifacts loads a contracts.json file mapping contract name to
// {abi, bytecode}, as exported from the solidity build.
func LoadArtifacts(path string) (map[string]CompiledContract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read compiled contracts: %w", err)
	}

	return ParseArtifacts(data)
}

// ParseArtifacts accepts bytecode either as a hex string or as a forge-style
// {"object": "0x..."} record. Interface-only entries without bytecode are
// kept so that their ABI can be used for calls.
func ParseArtifacts(data []byte) (map[string]CompiledContract, error) {
	var result map[string]struct {
		ABI      json.RawMessage `json:"abi"`
		Bytecode json.RawMessage `json:"bytecode"`
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse compiled contracts: %w", err)
	}

	loaded := make(map[string]CompiledContract, len(result))
	for name, contract := range result {
		if len(contract.ABI) == 0 {
			return nil, fmt.Errorf("contract %s has no ABI", name)
		}

		parsedABI, err := abi.JSON(bytes.NewReader(contract.ABI))
		if err != nil {
			return nil, fmt.Errorf("failed to parse ABI for %s: %w", name, err)
		}

		bytecodeHex, err := bytecodeString(contract.Bytecode)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bytecode for %s: %w", name, err)
		}

		loaded[name] = CompiledContract{
			Name:     name,
			ABI:      parsedABI,
			Bytecode: common.FromHex(bytecodeHex),
		}
	}

	return loaded, nil
}

func bytecodeString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return normalizeHex(s)
	}

	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("bytecode must be a hex string or an object: %w", err)
	}

	return normalizeHex(obj.Object)
}

func normalizeHex(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if strings.Contains(s, "__") {
		return "", errors.New("bytecode has unlinked library placeholders")
	}
	if len(s)%2 != 0 {
		return "", errors.New("bytecode has odd length")
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return "", fmt.Errorf("bytecode has non-hex character %q", c)
		}
	}
	return s, nil
}
