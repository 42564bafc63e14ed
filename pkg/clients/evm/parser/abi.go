package parser

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const connectorAbiJson = `[
	{
		"type": "event",
		"name": "Log1",
		"inputs": [
			{"indexed": false, "name": "cid", "type": "bytes32"},
			{"indexed": false, "name": "sender", "type": "address"},
			{"indexed": false, "name": "datasource", "type": "string"},
			{"indexed": false, "name": "timestamp", "type": "uint256"},
			{"indexed": false, "name": "arg", "type": "string"},
			{"indexed": false, "name": "proofType", "type": "bytes1"},
			{"indexed": false, "name": "gaslimit", "type": "uint256"},
			{"indexed": false, "name": "gasPrice", "type": "uint256"}
		]
	},
	{
		"type": "event",
		"name": "Log2",
		"inputs": [
			{"indexed": false, "name": "cid", "type": "bytes32"},
			{"indexed": false, "name": "sender", "type": "address"},
			{"indexed": false, "name": "datasource", "type": "string"},
			{"indexed": false, "name": "timestamp", "type": "uint256"},
			{"indexed": false, "name": "arg1", "type": "string"},
			{"indexed": false, "name": "arg2", "type": "string"},
			{"indexed": false, "name": "proofType", "type": "bytes1"},
			{"indexed": false, "name": "gaslimit", "type": "uint256"},
			{"indexed": false, "name": "gasPrice", "type": "uint256"}
		]
	},
	{
		"type": "event",
		"name": "LogN",
		"inputs": [
			{"indexed": false, "name": "cid", "type": "bytes32"},
			{"indexed": false, "name": "sender", "type": "address"},
			{"indexed": false, "name": "datasource", "type": "string"},
			{"indexed": false, "name": "timestamp", "type": "uint256"},
			{"indexed": false, "name": "args", "type": "bytes"},
			{"indexed": false, "name": "proofType", "type": "bytes1"},
			{"indexed": false, "name": "gaslimit", "type": "uint256"},
			{"indexed": false, "name": "gasPrice", "type": "uint256"}
		]
	},
	{
		"type": "function",
		"name": "cbAddress",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "address"}]
	}
]`

const oarAbiJson = `[
	{
		"type": "function",
		"name": "getAddress",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "address"}]
	}
]`

var (
	connectorAbi abi.ABI
	oarAbi       abi.ABI
)

func init() {
	connectorAbi = mustParseAbi(connectorAbiJson)
	oarAbi = mustParseAbi(oarAbiJson)
}

func mustParseAbi(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic("failed to parse abi: " + err.Error())
	}
	return parsed
}

func GetConnectorAbi() *abi.ABI {
	return &connectorAbi
}

func GetOarAbi() *abi.ABI {
	return &oarAbi
}
