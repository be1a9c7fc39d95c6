package cluster

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gagliardetto/solana-go"
)

// accountFile mirrors the output of `solana account --output json`, which the validator accepts
// through --account.
type accountFile struct {
	Pubkey  string          `json:"pubkey"`
	Account accountFileBody `json:"account"`
}

type accountFileBody struct {
	Lamports   uint64    `json:"lamports"`
	Data       [2]string `json:"data"`
	Owner      string    `json:"owner"`
	Executable bool      `json:"executable"`
	RentEpoch  uint64    `json:"rentEpoch"`
	Space      int       `json:"space"`
}

// MarshalAccount encodes a as an account file.
func MarshalAccount(a Account) ([]byte, error) {
	return json.Marshal(accountFile{
		Pubkey: a.Address.String(),
		Account: accountFileBody{
			Lamports:   a.Lamports,
			Data:       [2]string{base64.StdEncoding.EncodeToString(a.Data), "base64"},
			Owner:      a.Owner.String(),
			Executable: a.Executable,
			Space:      len(a.Data),
		},
	})
}

// UnmarshalAccount decodes an account file.
func UnmarshalAccount(raw []byte) (Account, error) {
	var f accountFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return Account{}, fmt.Errorf("failed to decode account file: %w", err)
	}
	address, err := solana.PublicKeyFromBase58(f.Pubkey)
	if err != nil {
		return Account{}, fmt.Errorf("invalid account address %q: %w", f.Pubkey, err)
	}
	owner, err := solana.PublicKeyFromBase58(f.Account.Owner)
	if err != nil {
		return Account{}, fmt.Errorf("invalid account owner %q: %w", f.Account.Owner, err)
	}
	if f.Account.Data[1] != "base64" {
		return Account{}, fmt.Errorf("unsupported account data encoding %q", f.Account.Data[1])
	}
	data, err := base64.StdEncoding.DecodeString(f.Account.Data[0])
	if err != nil {
		return Account{}, fmt.Errorf("failed to decode account data: %w", err)
	}
	return Account{
		Address:    address,
		Lamports:   f.Account.Lamports,
		Owner:      owner,
		Executable: f.Account.Executable,
		Data:       data,
	}, nil
}

// WriteAccountFiles writes one account file per genesis account into dir and returns their
// paths keyed by address.
func WriteAccountFiles(dir string, accounts []Account) (map[solana.PublicKey]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create account directory: %w", err)
	}
	paths := make(map[solana.PublicKey]string, len(accounts))
	for i, a := range accounts {
		raw, err := MarshalAccount(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode account %s: %w", a.Address, err)
		}
		path := filepath.Join(dir, "account-"+strconv.Itoa(i)+".json")
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write account %s: %w", a.Address, err)
		}
		paths[a.Address] = path
	}
	return paths, nil
}
