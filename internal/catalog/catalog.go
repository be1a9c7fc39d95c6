// Package catalog lists the builtin programs whose migration to Core BPF can be tested.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrUnknownProgram = errors.New("unknown program")
)

type Program string

const (
	ProgramAddressLookupTable Program = "address-lookup-table"
	ProgramConfig             Program = "config"
	ProgramFeatureGate        Program = "feature-gate"
)

// Entry describes one migratable program.
type Entry struct {
	Program Program

	ProgramID solana.PublicKey

	// FeatureID is the feature gate whose activation migrates the program.
	FeatureID solana.PublicKey

	// BufferAddress holds the staged Core BPF ELF on the public clusters.
	BufferAddress solana.PublicKey

	// ArtifactName is the file stem of the program ELF in the artifact directory.
	ArtifactName string

	// FixturesPath is the fixture corpus location within the test-vectors checkout.
	FixturesPath string

	// RepositoryURL is the Core BPF program's source repository, which carries Mollusk fixtures.
	RepositoryURL string

	// BuiltinAccountAbsent is set for programs that have no native loader account before
	// migration.
	BuiltinAccountAbsent bool

	// SkipFixtures names fixtures excluded from replay.
	SkipFixtures []string
}

var entries = []Entry{
	{
		Program:       ProgramAddressLookupTable,
		ProgramID:     solana.MustPublicKeyFromBase58("AddressLookupTab1e1111111111111111111111111"),
		FeatureID:     solana.MustPublicKeyFromBase58("C97eKZygrkU4JxJsZdjgbUY7iQR7rKTr4NyDWo2E5pRm"),
		BufferAddress: solana.MustPublicKeyFromBase58("AhXWrD9BBUYcKjtpA3zuiiZG4ysbo6C6wjHo1QhERk6A"),
		ArtifactName:  "address_lookup_table",
		FixturesPath:  "instr/fixtures/address-lookup-table",
		RepositoryURL: "https://github.com/solana-program/address-lookup-table.git",
		SkipFixtures: []string{
			"6d8f5dc4bb073f6ae72a950b5108c82b41c6347a_3246919",
			"9017cf61dc0da7aa28a0b63a058f685e87df1e9a_2789718",
			"9c02f3e6bc4f519ed342f4a017a4d7050faef079_2789718",
			"9d3983516dd9cc4d515bf05f98011f22935093a4_3246919",
			"c328874b96d05db6bacb01c6534e43c1c065f3bd_3246919",
			"e5474fe3b664271f922437a3c707dc7d537d91ec_2789718",
		},
	},
	{
		Program:       ProgramConfig,
		ProgramID:     solana.MustPublicKeyFromBase58("Config1111111111111111111111111111111111111"),
		FeatureID:     solana.MustPublicKeyFromBase58("2Fr57nzzkLYXW695UdDxDeR5fhnZWSttZeZYemrnpGFV"),
		BufferAddress: solana.MustPublicKeyFromBase58("BuafH9fBv62u6XjzrzS4ZjAE8963ejqF5rt1f8Uga4Q3"),
		ArtifactName:  "config",
		FixturesPath:  "instr/fixtures/config",
		RepositoryURL: "https://github.com/solana-program/config.git",
		SkipFixtures: []string{
			"04a0b782cb1f4b1be044313331edda9dfb4696d6",
			"c7ec10c03d5faadcebd32dc5b9a4086abef892ca_3157979",
			"68e8dbf0f31de69a2bd1d2c0fe9af3ba676301d6_3157979",
			"f84b5ad44f7a253ebc8056d06396694370a7fa4c_3157979",
			"8bbe900444c675cfc3fbf0f80ae2eb061e536a09",
		},
	},
	{
		Program:              ProgramFeatureGate,
		ProgramID:            solana.MustPublicKeyFromBase58("Feature111111111111111111111111111111111111"),
		FeatureID:            solana.MustPublicKeyFromBase58("4eohviozzEeivk1y9UbrnekbAFMDQyJz5JjA9Y6gyvky"),
		BufferAddress:        solana.MustPublicKeyFromBase58("3D3ydPWvmEszrSjrickCtnyRSJm1rzbbSsZog8Ub6vLh"),
		ArtifactName:         "feature_gate",
		FixturesPath:         "instr/fixtures/feature-gate",
		RepositoryURL:        "https://github.com/solana-program/feature-gate.git",
		BuiltinAccountAbsent: true,
	},
}

// All returns every catalog entry.
func All() []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e
		out[i].SkipFixtures = slices.Clone(e.SkipFixtures)
	}
	return out
}

// Names returns the catalog's program names.
func Names() []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, string(e.Program))
	}
	return names
}

func Lookup(name string) (Entry, error) {
	for _, e := range All() {
		if string(e.Program) == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w %q, must be one of: %s", ErrUnknownProgram, name, strings.Join(Names(), ", "))
}

// Skips reports whether the named fixture is excluded from replay for this program.
func (e Entry) Skips(fixture string) bool {
	return slices.Contains(e.SkipFixtures, fixture)
}
