package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stake-plus/govsignal/src/gov"
)

// Only the governor and Safe members this service touches.
const governorABIJSON = `[
  {"type":"event","name":"ProposalCreated","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":false},
    {"name":"proposer","type":"address","indexed":false},
    {"name":"targets","type":"address[]","indexed":false},
    {"name":"values","type":"uint256[]","indexed":false},
    {"name":"signatures","type":"string[]","indexed":false},
    {"name":"calldatas","type":"bytes[]","indexed":false},
    {"name":"startBlock","type":"uint256","indexed":false},
    {"name":"endBlock","type":"uint256","indexed":false},
    {"name":"description","type":"string","indexed":false}]},
  {"type":"function","name":"state","stateMutability":"view",
    "inputs":[{"name":"proposalId","type":"uint256"}],
    "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"castVoteWithReason","stateMutability":"nonpayable",
    "inputs":[{"name":"proposalId","type":"uint256"},{"name":"support","type":"uint8"},{"name":"reason","type":"string"}],
    "outputs":[]}
]`

const safeABIJSON = `[
  {"type":"function","name":"nonce","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	GovernorABI = mustABI(governorABIJSON)
	SafeABI     = mustABI(safeABIJSON)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("chain: bad abi: %v", err))
	}
	return parsed
}

// EncodeCastVote builds castVoteWithReason calldata.
func EncodeCastVote(id gov.ProposalID, support uint8, reason string) ([]byte, error) {
	return GovernorABI.Pack("castVoteWithReason", new(big.Int).SetUint64(uint64(id)), support, reason)
}
