package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stake-plus/govsignal/src/chain"
)

func main() {
	rpcURL := getenv("RPC_URL", "https://ethereum-rpc.publicnode.com")
	governor := common.HexToAddress(getenv("GOVERNOR_ADDRESS", "0x6f3E6272A167e8AcCb32072d08E0957F9c79223d"))
	blocks, _ := strconv.ParseUint(getenv("BLOCKS", "50000"), 10, 64)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client, err := chain.Dial(ctx, rpcURL, governor, 20*time.Second)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	head, err := client.BlockHeight(ctx)
	if err != nil {
		log.Fatalf("Error getting block height: %v", err)
	}
	from := uint64(0)
	if head > blocks {
		from = head - blocks
	}
	log.Printf("Scanning blocks %d-%d on %s", from+1, head, governor.Hex())

	proposals, err := client.ProposalsCreated(ctx, from+1, head)
	if err != nil {
		log.Fatalf("Error reading ProposalCreated logs: %v", err)
	}
	for _, p := range proposals {
		state, err := client.ProposalState(ctx, p.ID)
		if err != nil {
			log.Printf("Proposal %d: state lookup failed: %v", p.ID, err)
			continue
		}
		log.Printf("Proposal %d: %s", p.ID, p.Title())
		log.Printf("  Proposer: %s", p.Proposer)
		log.Printf("  Voting: blocks %d-%d", p.StartBlock, p.EndBlock)
		log.Printf("  Created: block %d (%s)", p.BlockNumber, p.TxHash)
		log.Printf("  State: %s", state)
	}
	if len(proposals) == 0 {
		log.Printf("No proposals in range")
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
