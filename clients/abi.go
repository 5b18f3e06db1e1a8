package clients

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Raw JSON for the token methods used by the facilitator.
const tokenJSON = `[
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"constant": true
	},
	{
		"type": "function",
		"name": "allowance",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}],
		"constant": true
	},
	{
		"type": "function",
		"name": "transfer",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"constant": false
	},
	{
		"type": "function",
		"name": "transferWithAuthorization",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": [],
		"constant": false
	}
]`

// Raw JSON for the disperse contract used for split settlements.
const disperseJSON = `[
	{
		"type": "function",
		"name": "disperseEther",
		"inputs": [
			{"name": "recipients", "type": "address[]"},
			{"name": "values", "type": "uint256[]"}
		],
		"outputs": [],
		"stateMutability": "payable"
	},
	{
		"type": "function",
		"name": "disperseToken",
		"inputs": [
			{"name": "token", "type": "address"},
			{"name": "recipients", "type": "address[]"},
			{"name": "values", "type": "uint256[]"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	}
]`

var (
	// TokenABI is the ABI of the ERC-20 / EIP-3009 token methods.
	TokenABI = mustParseABI(tokenJSON)

	// DisperseABI is the ABI of the disperse contract.
	DisperseABI = mustParseABI(disperseJSON)

	// TransferEventTopic is the topic of the ERC-20 Transfer event.
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse ABI: " + err.Error())
	}
	return parsed
}
