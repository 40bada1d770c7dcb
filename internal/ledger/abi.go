package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const predictionMarketABI = `[
  {"type":"function","name":"getMarketInfo","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[
     {"name":"question","type":"string"},
     {"name":"imageUrl","type":"string"},
     {"name":"resolutionTime","type":"uint256"},
     {"name":"resolved","type":"bool"},
     {"name":"outcome","type":"uint8"},
     {"name":"yesPrice","type":"uint256"},
     {"name":"noPrice","type":"uint256"},
     {"name":"yesShares","type":"uint256"},
     {"name":"noShares","type":"uint256"},
     {"name":"creator","type":"address"},
     {"name":"yesToken","type":"address"},
     {"name":"noToken","type":"address"}]},
  {"type":"function","name":"getAllMarketsInfo","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"id","type":"uint256"},
     {"name":"question","type":"string"},
     {"name":"imageUrl","type":"string"},
     {"name":"resolutionTime","type":"uint256"},
     {"name":"resolved","type":"bool"},
     {"name":"totalLiquidity","type":"uint256"}]}]},
  {"type":"function","name":"getOrderBook","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"id","type":"uint256"},
     {"name":"trader","type":"address"},
     {"name":"isYes","type":"bool"},
     {"name":"amount","type":"uint256"},
     {"name":"price","type":"uint256"},
     {"name":"isBuy","type":"bool"},
     {"name":"timestamp","type":"uint256"}]}]},
  {"type":"function","name":"getUserPositions","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"},{"name":"marketId","type":"uint256"}],
   "outputs":[{"name":"yesShares","type":"uint256"},{"name":"noShares","type":"uint256"},{"name":"metaBalance","type":"uint256"}]},
  {"type":"function","name":"getExpectedShares","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"},{"name":"isYes","type":"bool"},{"name":"amount","type":"uint256"},{"name":"isBuy","type":"bool"}],
   "outputs":[{"name":"shares","type":"uint256"}]},
  {"type":"function","name":"getPotentialReturn","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"isYes","type":"bool"},{"name":"isBuy","type":"bool"}],
   "outputs":[{"name":"potentialReturn","type":"uint256"},{"name":"price","type":"uint256"}]},
  {"type":"function","name":"trade","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"uint256"},{"name":"isYes","type":"bool"},{"name":"amount","type":"uint256"},{"name":"isBuy","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"claimRewards","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"Trade","anonymous":false,"inputs":[
     {"name":"marketId","type":"uint256","indexed":true},
     {"name":"trader","type":"address","indexed":true},
     {"name":"isYes","type":"bool","indexed":false},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"price","type":"uint256","indexed":false},
     {"name":"isBuy","type":"bool","indexed":false}]}
]`

const metaTokenABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"checkBalance","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"timeUntilNextMint","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"faucet","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

var (
	marketABI = mustParseABI(predictionMarketABI)
	tokenABI  = mustParseABI(metaTokenABI)

	// TradeEventID is topic 0 of every Trade log.
	TradeEventID = marketABI.Events["Trade"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("ledger: invalid ABI: " + err.Error())
	}
	return parsed
}

// MarketABI exposes the parsed market ABI for callers that encode fixtures.
func MarketABI() abi.ABI { return marketABI }

// TokenABI exposes the parsed collateral token ABI.
func TokenABI() abi.ABI { return tokenABI }

// Field names mirror the ABI component names so abi.ConvertType can map the
// decoder's anonymous structs onto them.

type marketInfoOut struct {
	Question       string
	ImageUrl       string
	ResolutionTime *big.Int
	Resolved       bool
	Outcome        uint8
	YesPrice       *big.Int
	NoPrice        *big.Int
	YesShares      *big.Int
	NoShares       *big.Int
	Creator        common.Address
	YesToken       common.Address
	NoToken        common.Address
}

type marketSummaryTuple struct {
	Id             *big.Int
	Question       string
	ImageUrl       string
	ResolutionTime *big.Int
	Resolved       bool
	TotalLiquidity *big.Int
}

type orderTuple struct {
	Id        *big.Int
	Trader    common.Address
	IsYes     bool
	Amount    *big.Int
	Price     *big.Int
	IsBuy     bool
	Timestamp *big.Int
}

type positionOut struct {
	YesShares   *big.Int
	NoShares    *big.Int
	MetaBalance *big.Int
}
