package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI fragments: the Morpho Blue market state read the
// liquidity oracle needs, and the agent's rebalance entry point.

const morphoABIJSON = `[
  {
    "type": "function",
    "name": "market",
    "stateMutability": "view",
    "inputs": [{"name": "id", "type": "bytes32"}],
    "outputs": [
      {"name": "totalSupplyAssets", "type": "uint128"},
      {"name": "totalSupplyShares", "type": "uint128"},
      {"name": "totalBorrowAssets", "type": "uint128"},
      {"name": "totalBorrowShares", "type": "uint128"},
      {"name": "lastUpdate", "type": "uint128"},
      {"name": "fee", "type": "uint128"}
    ]
  }
]`

const agentABIJSON = `[
  {
    "type": "function",
    "name": "rebalance",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "onBehalf", "type": "address"},
      {"name": "token", "type": "address"},
      {
        "name": "fromMarkets",
        "type": "tuple[]",
        "components": [
          {
            "name": "marketParams",
            "type": "tuple",
            "components": [
              {"name": "loanToken", "type": "address"},
              {"name": "collateralToken", "type": "address"},
              {"name": "oracle", "type": "address"},
              {"name": "irm", "type": "address"},
              {"name": "lltv", "type": "uint256"}
            ]
          },
          {"name": "assets", "type": "uint256"},
          {"name": "shares", "type": "uint256"}
        ]
      },
      {
        "name": "toMarkets",
        "type": "tuple[]",
        "components": [
          {
            "name": "marketParams",
            "type": "tuple",
            "components": [
              {"name": "loanToken", "type": "address"},
              {"name": "collateralToken", "type": "address"},
              {"name": "oracle", "type": "address"},
              {"name": "irm", "type": "address"},
              {"name": "lltv", "type": "uint256"}
            ]
          },
          {"name": "assets", "type": "uint256"},
          {"name": "shares", "type": "uint256"}
        ]
      }
    ],
    "outputs": []
  }
]`

func parseABIs() (morpho abi.ABI, agent abi.ABI, err error) {
	morpho, err = abi.JSON(strings.NewReader(morphoABIJSON))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, err
	}
	agent, err = abi.JSON(strings.NewReader(agentABIJSON))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, err
	}
	return morpho, agent, nil
}
