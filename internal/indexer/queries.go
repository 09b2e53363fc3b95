package indexer

// Queries against the Morpho GraphQL API and the authorization
// subgraph, trimmed to the fields the bot consumes.

const getMarketsQuery = `
query getMarkets($first: Int, $where: MarketFilters) {
    markets(first: $first, where: $where) {
        items {
            uniqueKey
            lltv
            irmAddress
            oracleAddress
            loanAsset {
                address
                symbol
                decimals
                priceUsd
            }
            collateralAsset {
                address
                symbol
                decimals
                priceUsd
            }
            state {
                supplyAssets
                supplyAssetsUsd
                supplyApy
            }
        }
    }
}
`

const getUserMarketPositionsQuery = `
query getUserMarketPositions($address: String!, $chainId: Int) {
    userByAddress(address: $address, chainId: $chainId) {
        marketPositions {
            supplyShares
            supplyAssets
            market {
                uniqueKey
                loanAsset {
                    address
                    symbol
                    decimals
                }
            }
        }
    }
}
`

const getAuthorizedUsersQuery = `
query GetAuthorizedUsers($rebalancer: Bytes!) {
    users(where: { rebalancer_in: [$rebalancer] }) {
        id
        marketCaps(where: { cap_gt: 0 }) {
            marketId
            cap
        }
    }
}
`
