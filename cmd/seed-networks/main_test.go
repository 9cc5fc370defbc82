package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/storage/memory"
)

const sample = `
networks:
  - id: sepolia
    name: Sepolia
    chain_id: 11155111
    rpc_url: https://rpc.sepolia.org
    contract_address: "0x0000000000000000000000000000000000000C0D"
    explorer_url: https://sepolia.etherscan.io
    active: true
  - id: mainnet
    name: Ethereum
    chain_id: 1
    rpc_url: https://eth.llamarpc.com
`

func TestParseNetworks(t *testing.T) {
	networks, err := parseNetworks(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, networks, 2)
	assert.Equal(t, "sepolia", networks[0].ID)
	assert.Equal(t, uint64(11155111), networks[0].ChainID)
	assert.True(t, networks[0].Active)
	assert.False(t, networks[1].Active)
}

func TestParseNetworksRejects(t *testing.T) {
	cases := map[string]string{
		"empty":         "networks: []",
		"missing rpc":   "networks:\n  - id: a\n    chain_id: 1\n",
		"duplicate":     "networks:\n  - {id: a, chain_id: 1, rpc_url: http://x}\n  - {id: a, chain_id: 2, rpc_url: http://y}\n",
		"two active":    "networks:\n  - {id: a, chain_id: 1, rpc_url: http://x, active: true}\n  - {id: b, chain_id: 2, rpc_url: http://y, active: true}\n",
		"unknown field": "networks:\n  - {id: a, chain_id: 1, rpc_url: http://x, colour: red}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseNetworks(strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}

func TestSeedActivatesOne(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	networks, err := parseNetworks(strings.NewReader(sample))
	require.NoError(t, err)
	require.NoError(t, seed(ctx, store, networks, ""))

	active, err := store.ActiveNetwork(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sepolia", active.ID)

	// re-seeding with an explicit choice moves the active flag
	require.NoError(t, seed(ctx, store, networks, "mainnet"))
	active, err = store.ActiveNetwork(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mainnet", active.ID)

	all, err := store.ListNetworks(ctx)
	require.NoError(t, err)
	count := 0
	for _, n := range all {
		if n.Active {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSeedUnknownActivation(t *testing.T) {
	store := memory.New()
	defer store.Close()
	err := seed(context.Background(), store, []evidence.Network{{ID: "a", ChainID: 1, RPCURL: "http://x"}}, "missing")
	assert.Error(t, err)
}
