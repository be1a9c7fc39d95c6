// Package fakecluster is an in-memory cluster that answers the RPC calls the harness makes and
// applies feature activations and program migrations at epoch boundaries the way the runtime
// does. It lets migration and probe flows run without a validator.
package fakecluster

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/malbeclabs/core-bpf-migration/internal/activator"
	"github.com/malbeclabs/core-bpf-migration/internal/cluster"
	"github.com/malbeclabs/core-bpf-migration/internal/executor"
	"github.com/malbeclabs/core-bpf-migration/internal/loader"
	"github.com/malbeclabs/core-bpf-migration/internal/stub"
)

type migration struct {
	programID     solana.PublicKey
	bufferAddress solana.PublicKey
}

type transaction struct {
	slot uint64
	err  any
	logs []string
}

type Cluster struct {
	mu sync.Mutex

	slot          uint64
	slotsPerEpoch uint64
	slotsPerPoll  uint64

	accounts     map[solana.PublicKey]cluster.Account
	migrations   map[solana.PublicKey]migration
	stubPrograms map[solana.PublicKey]bool
	transactions map[solana.Signature]*transaction
	blockhashes  uint64
	preflight    bool
}

type Option func(*Cluster)

// WithSlot starts the cluster at slot.
func WithSlot(slot uint64) Option {
	return func(c *Cluster) {
		c.slot = slot
	}
}

// WithSlotsPerPoll sets how many slots the cluster advances on every GetSlot call.
func WithSlotsPerPoll(n uint64) Option {
	return func(c *Cluster) {
		c.slotsPerPoll = n
	}
}

// WithPreflight makes the cluster simulate transactions before accepting them, like a validator
// does unless the sender skips preflight. A failing transaction is then rejected with a
// simulation error and never recorded.
func WithPreflight() Option {
	return func(c *Cluster) {
		c.preflight = true
	}
}

// WithBuiltin seeds a native loader program account for programID. When stubInterface is set the
// builtin answers stub instructions.
func WithBuiltin(programID solana.PublicKey, stubInterface bool) Option {
	return func(c *Cluster) {
		c.accounts[programID] = cluster.Account{
			Address:    programID,
			Lamports:   1,
			Owner:      loader.NativeLoaderProgramID,
			Executable: true,
			Data:       []byte("builtin"),
		}
		c.stubPrograms[programID] = stubInterface
	}
}

// WithMigration replaces programID with the ELF in bufferAddress at the first epoch boundary
// after featureID is activated.
func WithMigration(programID, featureID, bufferAddress solana.PublicKey) Option {
	return func(c *Cluster) {
		c.migrations[featureID] = migration{programID: programID, bufferAddress: bufferAddress}
	}
}

func New(slotsPerEpoch uint64, opts ...Option) *Cluster {
	c := &Cluster{
		slotsPerEpoch: slotsPerEpoch,
		slotsPerPoll:  1,
		accounts:      make(map[solana.PublicKey]cluster.Account),
		migrations:    make(map[solana.PublicKey]migration),
		stubPrograms:  make(map[solana.PublicKey]bool),
		transactions:  make(map[solana.Signature]*transaction),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromGenesis returns a cluster seeded with the accounts of g. Upgradeable programs in g are
// installed as loaded programs.
func FromGenesis(g *cluster.Genesis, opts ...Option) (*Cluster, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	c := New(g.SlotsPerEpoch, opts...)
	for _, a := range g.Accounts {
		c.accounts[a.Address] = cloneAccount(a)
	}
	for _, p := range g.UpgradeablePrograms {
		if err := c.installProgram(p.ProgramID, nil); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetAccount replaces the account at a.Address.
func (c *Cluster) SetAccount(a cluster.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[a.Address] = cloneAccount(a)
}

// Account returns the account at address, if it exists.
func (c *Cluster) Account(address solana.PublicKey) (cluster.Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[address]
	return cloneAccount(a), ok
}

// CurrentSlot returns the slot without advancing it.
func (c *Cluster) CurrentSlot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}

// AdvanceSlots moves the cluster forward n slots, crossing any epoch boundaries on the way.
func (c *Cluster) AdvanceSlots(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(n)
}

func (c *Cluster) advance(n uint64) {
	for range n {
		c.slot++
		if c.slotsPerEpoch > 0 && c.slot%c.slotsPerEpoch == 0 {
			c.epochBoundary()
		}
	}
}

// epochBoundary activates every pending feature owned by the feature program and migrates the
// programs gated on them.
func (c *Cluster) epochBoundary() {
	for _, address := range slices.SortedFunc(maps.Keys(c.accounts), comparePublicKeys) {
		a := c.accounts[address]
		if !a.Owner.Equals(loader.FeatureProgramID) {
			continue
		}
		f, err := loader.DecodeFeature(a.Data)
		if err != nil || f.ActivatedAt != nil {
			continue
		}
		slot := c.slot
		data, err := loader.EncodeFeature(loader.Feature{ActivatedAt: &slot})
		if err != nil {
			continue
		}
		a.Data = data
		c.accounts[address] = a

		m, ok := c.migrations[address]
		if !ok {
			continue
		}
		buffer, ok := c.accounts[m.bufferAddress]
		if !ok {
			continue
		}
		_, elf, err := loader.DecodeBuffer(buffer.Data)
		if err != nil {
			continue
		}
		if err := c.installProgram(m.programID, elf); err != nil {
			continue
		}
		delete(c.accounts, m.bufferAddress)
	}
}

func (c *Cluster) installProgram(programID solana.PublicKey, elf []byte) error {
	programData, err := loader.ProgramDataAddress(programID)
	if err != nil {
		return err
	}
	programDataBytes, err := loader.EncodeProgramData(c.slot, nil, elf)
	if err != nil {
		return err
	}
	programBytes, err := loader.EncodeProgram(programData)
	if err != nil {
		return err
	}
	c.accounts[programData] = cluster.Account{
		Address:  programData,
		Lamports: loader.MinimumBalanceForRentExemption(len(programDataBytes)),
		Owner:    loader.UpgradeableLoaderProgramID,
		Data:     programDataBytes,
	}
	c.accounts[programID] = cluster.Account{
		Address:    programID,
		Lamports:   loader.MinimumBalanceForRentExemption(len(programBytes)),
		Owner:      loader.UpgradeableLoaderProgramID,
		Executable: true,
		Data:       programBytes,
	}
	c.stubPrograms[programID] = true
	return nil
}

func (c *Cluster) GetSlot(_ context.Context, _ solanarpc.CommitmentType) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot := c.slot
	c.advance(c.slotsPerPoll)
	return slot, nil
}

func (c *Cluster) GetEpochSchedule(context.Context) (*solanarpc.GetEpochScheduleResult, error) {
	return &solanarpc.GetEpochScheduleResult{SlotsPerEpoch: c.slotsPerEpoch}, nil
}

func (c *Cluster) GetAccountInfoWithOpts(_ context.Context, address solana.PublicKey, _ *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[address]
	if !ok {
		return nil, solanarpc.ErrNotFound
	}
	return &solanarpc.GetAccountInfoResult{
		RPCContext: solanarpc.RPCContext{Context: solanarpc.Context{Slot: c.slot}},
		Value: &solanarpc.Account{
			Lamports:   a.Lamports,
			Owner:      a.Owner,
			Data:       solanarpc.DataBytesOrJSONFromBytes(slices.Clone(a.Data)),
			Executable: a.Executable,
		},
	}, nil
}

func (c *Cluster) GetLatestBlockhash(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockhashes++
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], c.blockhashes)
	return &solanarpc.GetLatestBlockhashResult{
		RPCContext: solanarpc.RPCContext{Context: solanarpc.Context{Slot: c.slot}},
		Value: &solanarpc.LatestBlockhashResult{
			Blockhash:            solana.Hash(sha256.Sum256(seed[:])),
			LastValidBlockHeight: c.slot + 150,
		},
	}, nil
}

// SendTransactionWithOpts executes tx atomically: either every instruction succeeds and its
// effects are committed, or none are.
func (c *Cluster) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error) {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("transaction is not signed")
	}
	sig := tx.Signatures[0]

	c.mu.Lock()
	defer c.mu.Unlock()

	working := make(map[solana.PublicKey]cluster.Account, len(c.accounts))
	for k, a := range c.accounts {
		working[k] = cloneAccount(a)
	}
	rec := &transaction{slot: c.slot}
	var failure string
	for i, ci := range tx.Message.Instructions {
		if int(ci.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			return solana.Signature{}, fmt.Errorf("instruction %d: program index out of range", i)
		}
		programID := tx.Message.AccountKeys[ci.ProgramIDIndex]
		metas := make([]*solana.AccountMeta, 0, len(ci.Accounts))
		for _, idx := range ci.Accounts {
			if int(idx) >= len(tx.Message.AccountKeys) {
				return solana.Signature{}, fmt.Errorf("instruction %d: account index out of range", i)
			}
			key := tx.Message.AccountKeys[idx]
			metas = append(metas, &solana.AccountMeta{PublicKey: key, IsSigner: tx.Message.IsSigner(key)})
		}
		rec.logs = append(rec.logs, fmt.Sprintf("Program %s invoke [1]", programID))
		logs, err := c.process(working, programID, metas, ci.Data)
		rec.logs = append(rec.logs, logs...)
		if err != nil {
			rec.logs = append(rec.logs, fmt.Sprintf("Program %s failed: %s", programID, err))
			rec.err = map[string]any{"InstructionError": []any{i, err.Error()}}
			failure = fmt.Sprintf("Error processing Instruction %d: %s", i, err)
			break
		}
		rec.logs = append(rec.logs, fmt.Sprintf("Program %s success", programID))
	}
	if rec.err != nil && c.preflight && !opts.SkipPreflight {
		logs := make([]any, 0, len(rec.logs))
		for _, l := range rec.logs {
			logs = append(logs, l)
		}
		return solana.Signature{}, &jsonrpc.RPCError{
			Code:    executor.RPCCodeSimulationFailed,
			Message: "Transaction simulation failed: " + failure,
			Data:    map[string]any{"err": rec.err, "logs": logs},
		}
	}
	if rec.err == nil {
		c.accounts = working
	}
	c.transactions[sig] = rec
	return sig, nil
}

func (c *Cluster) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := &solanarpc.GetSignatureStatusesResult{Value: make([]*solanarpc.SignatureStatusesResult, len(sigs))}
	for i, sig := range sigs {
		rec, ok := c.transactions[sig]
		if !ok {
			continue
		}
		res.Value[i] = &solanarpc.SignatureStatusesResult{
			Slot:               rec.slot,
			Err:                rec.err,
			ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed,
		}
	}
	return res, nil
}

func (c *Cluster) GetTransaction(_ context.Context, sig solana.Signature, _ *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.transactions[sig]
	if !ok {
		return nil, solanarpc.ErrNotFound
	}
	return &solanarpc.GetTransactionResult{
		Slot: rec.slot,
		Meta: &solanarpc.TransactionMeta{
			Err:         rec.err,
			LogMessages: slices.Clone(rec.logs),
		},
	}, nil
}

func (c *Cluster) process(accounts map[solana.PublicKey]cluster.Account, programID solana.PublicKey, metas []*solana.AccountMeta, data []byte) ([]string, error) {
	switch {
	case programID.Equals(solana.SystemProgramID):
		return nil, processSystem(accounts, metas, data)
	case programID.Equals(activator.ProgramID):
		return nil, processActivator(accounts, metas, data)
	}
	program, ok := accounts[programID]
	if !ok || !program.Executable {
		return nil, fmt.Errorf("program %s does not exist", programID)
	}
	if !c.stubPrograms[programID] {
		return nil, errors.New("invalid instruction data")
	}
	return processStub(accounts, programID, metas, data)
}

func processSystem(accounts map[solana.PublicKey]cluster.Account, metas []*solana.AccountMeta, data []byte) error {
	if len(data) < 4 {
		return errors.New("invalid instruction data")
	}
	if binary.LittleEndian.Uint32(data) != 2 || len(data) < 12 {
		return errors.New("unsupported system instruction")
	}
	if len(metas) < 2 {
		return errors.New("not enough account keys")
	}
	return transfer(accounts, metas[0], metas[1].PublicKey, binary.LittleEndian.Uint64(data[4:]))
}

func transfer(accounts map[solana.PublicKey]cluster.Account, from *solana.AccountMeta, to solana.PublicKey, lamports uint64) error {
	if !from.IsSigner {
		return errors.New("missing required signature")
	}
	src := accounts[from.PublicKey]
	if !src.Owner.Equals(solana.SystemProgramID) {
		return errors.New("transfer from an account not owned by the system program")
	}
	if src.Lamports < lamports {
		return errors.New("insufficient funds")
	}
	src.Address = from.PublicKey
	src.Lamports -= lamports
	setAccount(accounts, src)

	dst, ok := accounts[to]
	if !ok {
		dst = cluster.Account{Address: to, Owner: solana.SystemProgramID}
	}
	dst.Lamports += lamports
	setAccount(accounts, dst)
	return nil
}

func processActivator(accounts map[solana.PublicKey]cluster.Account, metas []*solana.AccountMeta, data []byte) error {
	if len(data) != 1 || data[0] != uint8(activator.ActivateFeatureInstructionIndex) {
		return errors.New("invalid instruction data")
	}
	if len(metas) < 1 {
		return errors.New("not enough account keys")
	}
	feature, ok := accounts[metas[0].PublicKey]
	if !ok || !feature.Owner.Equals(activator.ProgramID) {
		return errors.New("feature account is not staged")
	}
	feature.Owner = loader.FeatureProgramID
	accounts[feature.Address] = feature
	return nil
}

func processStub(accounts map[solana.PublicKey]cluster.Account, programID solana.PublicKey, metas []*solana.AccountMeta, data []byte) ([]string, error) {
	index, payload, err := stub.Decode(data)
	if err != nil {
		return nil, errors.New("invalid instruction data")
	}
	switch index {
	case stub.WriteInstructionIndex:
		if len(metas) < 3 {
			return nil, errors.New("not enough account keys")
		}
		target, payer := metas[0], metas[1]
		if !payer.IsSigner || !target.IsSigner {
			return nil, errors.New("missing required signature")
		}
		if existing, ok := accounts[target.PublicKey]; ok && len(existing.Data) > 0 {
			return nil, errors.New("account already in use")
		}
		if err := transfer(accounts, payer, target.PublicKey, loader.MinimumBalanceForRentExemption(len(payload))); err != nil {
			return nil, err
		}
		a := accounts[target.PublicKey]
		a.Owner = programID
		a.Data = slices.Clone(payload)
		accounts[target.PublicKey] = a
		return nil, nil

	case stub.EmitInstructionIndex:
		return []string{fmt.Sprintf("Program return: %s %s", programID, base64.StdEncoding.EncodeToString(payload))}, nil

	case stub.BurnInstructionIndex:
		if len(metas) < 2 {
			return nil, errors.New("not enough account keys")
		}
		target := metas[0]
		a, ok := accounts[target.PublicKey]
		if !ok {
			return nil, errors.New("account not found")
		}
		if err := transfer(accounts, target, metas[1].PublicKey, a.Lamports); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, errors.New("invalid instruction data")
}

// setAccount stores a, deleting it once it holds no lamports.
func setAccount(accounts map[solana.PublicKey]cluster.Account, a cluster.Account) {
	if a.Lamports == 0 {
		delete(accounts, a.Address)
		return
	}
	accounts[a.Address] = a
}

func cloneAccount(a cluster.Account) cluster.Account {
	a.Data = slices.Clone(a.Data)
	return a
}

func comparePublicKeys(a, b solana.PublicKey) int {
	return bytes.Compare(a[:], b[:])
}
