package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	SolanaEnvMainnetBeta = "mainnet-beta"
	SolanaEnvTestnet     = "testnet"
	SolanaEnvDevnet      = "devnet"
	SolanaEnvLocalnet    = "localnet"
)

var (
	ErrInvalidCluster = errors.New("invalid cluster")
)

// SolanaClusters lists the clusters a candidate ELF can be cloned from.
var SolanaClusters = []string{
	SolanaEnvMainnetBeta,
	SolanaEnvTestnet,
	SolanaEnvDevnet,
	SolanaEnvLocalnet,
}

type SolanaNetworkConfig struct {
	Moniker string
	RPCURL  string
}

func SolanaNetworkConfigForEnv(env string) (*SolanaNetworkConfig, error) {
	var config *SolanaNetworkConfig
	switch env {
	case SolanaEnvMainnetBeta, "mainnet":
		config = &SolanaNetworkConfig{
			Moniker: SolanaEnvMainnetBeta,
			RPCURL:  MainnetSolanaRPC,
		}
	case SolanaEnvTestnet:
		config = &SolanaNetworkConfig{
			Moniker: SolanaEnvTestnet,
			RPCURL:  TestnetSolanaRPC,
		}
	case SolanaEnvDevnet:
		config = &SolanaNetworkConfig{
			Moniker: SolanaEnvDevnet,
			RPCURL:  DevnetSolanaRPC,
		}
	case SolanaEnvLocalnet:
		config = &SolanaNetworkConfig{
			Moniker: SolanaEnvLocalnet,
			RPCURL:  LocalnetSolanaRPC,
		}
	default:
		return nil, fmt.Errorf("%w %q, must be one of: %s", ErrInvalidCluster, env, strings.Join(SolanaClusters, ", "))
	}

	rpcURL := os.Getenv("SOLANA_RPC_URL")
	if rpcURL != "" {
		config.RPCURL = rpcURL
	}
	return config, nil
}
