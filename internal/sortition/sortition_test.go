package sortition_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/sortition"
)

// TestSortitionDeterminism is spec.md §8 property 3: identical snapshots
// and identical inputs produce identical tickets on every run.
func TestSortitionDeterminism(t *testing.T) {
	eligible := []sortition.EligibleOperator{
		{Addr: common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), Balance: big.NewInt(100)},
		{Addr: common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), Balance: big.NewInt(100)},
		{Addr: common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc"), Balance: big.NewInt(100)},
	}
	seed := common.FromHex("0x1111111111111111111111111111111111111111111111111111111111111111")

	ticketsA := sortition.ScoreTickets(eligible, ids.E3ID(7), seed)
	ticketsB := sortition.ScoreTickets(eligible, ids.E3ID(7), seed)

	require.Equal(t, len(ticketsA), len(ticketsB))
	require.NotEmpty(t, ticketsA)
	for i := range ticketsA {
		require.Equal(t, ticketsA[i].Score, ticketsB[i].Score)
		require.Equal(t, ticketsA[i].Operator, ticketsB[i].Operator)
		require.Equal(t, ticketsA[i].TicketIdx, ticketsB[i].TicketIdx)
	}

	// Scores must be non-decreasing (ScoreTickets returns ascending order).
	for i := 1; i < len(ticketsA); i++ {
		require.LessOrEqual(t, ticketsA[i-1].Score.Big().Cmp(ticketsA[i].Score.Big()), 0)
	}
}

func TestPartyID(t *testing.T) {
	committee := []common.Address{
		common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc"),
	}
	id, err := sortition.PartyID(committee, committee[1])
	require.NoError(t, err)
	require.Equal(t, ids.PartyID(1), id)

	_, err = sortition.PartyID(committee, common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd"))
	require.Error(t, err)
}
