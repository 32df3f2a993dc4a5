package pipeline

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/token-distributor/internal/alert"
	"github.com/emperorhan/token-distributor/internal/batch"
	"github.com/emperorhan/token-distributor/internal/chain"
	solanachain "github.com/emperorhan/token-distributor/internal/chain/solana"
	"github.com/emperorhan/token-distributor/internal/chain/solana/rpc"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/store"
	storemocks "github.com/emperorhan/token-distributor/internal/store/mocks"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// ---------------------------------------------------------------------------
// Fake driver: every test registers its own driver so commit and rollback
// counts are not shared between tests.
// ---------------------------------------------------------------------------

type txCounter struct {
	commits   atomic.Int64
	rollbacks atomic.Int64
}

type procDriver struct{ c *txCounter }
type procConn struct{ c *txCounter }
type procTx struct{ c *txCounter }

func (d *procDriver) Open(string) (driver.Conn, error) { return &procConn{c: d.c}, nil }
func (c *procConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("not implemented")
}
func (c *procConn) Close() error              { return nil }
func (c *procConn) Begin() (driver.Tx, error) { return &procTx{c: c.c}, nil }
func (tx *procTx) Commit() error              { tx.c.commits.Add(1); return nil }
func (tx *procTx) Rollback() error            { tx.c.rollbacks.Add(1); return nil }

var procDriverSeq atomic.Int64

func openProcDB(t *testing.T) (*sql.DB, *txCounter) {
	t.Helper()
	c := &txCounter{}
	name := fmt.Sprintf("fake_process_%d", procDriverSeq.Add(1))
	sql.Register(name, &procDriver{c: c})
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, c
}

// ---------------------------------------------------------------------------
// In-memory batch repository with optimistic locking.
// ---------------------------------------------------------------------------

type memBatchRepo struct {
	mu      sync.Mutex
	batches map[uuid.UUID]model.Batch
	order   []uuid.UUID
	corrupt map[uuid.UUID]bool
}

func newMemBatchRepo() *memBatchRepo {
	return &memBatchRepo{
		batches: make(map[uuid.UUID]model.Batch),
		corrupt: make(map[uuid.UUID]bool),
	}
}

func cloneBatch(b model.Batch) model.Batch {
	ds := make([]model.Distribution, len(b.Distributions))
	copy(ds, b.Distributions)
	b.Distributions = ds
	return b
}

func (r *memBatchRepo) SaveTx(_ context.Context, _ *sql.Tx, b *model.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.Version == 0 {
		b.Version = 1
		r.batches[b.ID] = cloneBatch(*b)
		r.order = append(r.order, b.ID)
		return nil
	}
	cur, ok := r.batches[b.ID]
	if !ok || cur.Version != b.Version {
		return store.ErrStaleVersion
	}
	b.Version++
	r.batches[b.ID] = cloneBatch(*b)
	return nil
}

func (r *memBatchRepo) GetByIDTx(ctx context.Context, _ *sql.Tx, id uuid.UUID) (*model.Batch, error) {
	return r.GetByID(ctx, id)
}

func (r *memBatchRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.corrupt[id] {
		return nil, fmt.Errorf("batch %s: %w", id, store.ErrDataCorruption)
	}
	b, ok := r.batches[id]
	if !ok {
		return nil, nil
	}
	c := cloneBatch(b)
	return &c, nil
}

func (r *memBatchRepo) ListIDsByState(_ context.Context, state model.BatchState, _ store.ListOrder) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for _, id := range r.order {
		if r.batches[id].State == state {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memBatchRepo) ListByState(_ context.Context, state model.BatchState, limit int) ([]model.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Batch
	for _, id := range r.order {
		if b := r.batches[id]; b.State == state && (limit <= 0 || len(out) < limit) {
			out = append(out, cloneBatch(b))
		}
	}
	return out, nil
}

func (r *memBatchRepo) CountByState(context.Context) (map[model.BatchState]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[model.BatchState]int)
	for _, b := range r.batches {
		counts[b.State]++
	}
	return counts, nil
}

func (r *memBatchRepo) all() []model.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Batch, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneBatch(r.batches[id]))
	}
	return out
}

func (r *memBatchRepo) get(t *testing.T, id uuid.UUID) model.Batch {
	t.Helper()
	b, err := r.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return *b
}

// ---------------------------------------------------------------------------
// Chain, wallet and alert fakes.
// ---------------------------------------------------------------------------

type fakeChain struct {
	mu        sync.Mutex
	missing   map[string]bool
	blockhash chain.Blockhash
	sendErr   error
	sendSig   string
	sent      [][]byte
	statuses  map[string]*chain.TxStatus
	height    uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		missing: make(map[string]bool),
		blockhash: chain.Blockhash{
			Hash:                 solanachain.PlaceholderBlockhash.String(),
			LastValidBlockHeight: 500,
		},
		statuses: make(map[string]*chain.TxStatus),
	}
}

func (f *fakeChain) Chain() string { return "solana" }

func (f *fakeChain) AccountExists(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[address], nil
}

func (f *fakeChain) LatestBlockhash(context.Context) (chain.Blockhash, error) {
	return f.blockhash, nil
}

func (f *fakeChain) SendRawTransaction(_ context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, raw)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if f.sendSig != "" {
		return f.sendSig, nil
	}
	return solana.SignatureFromBytes(raw[1:65]).String(), nil
}

func (f *fakeChain) SignatureStatus(_ context.Context, signature string) (*chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[signature], nil
}

func (f *fakeChain) FinalizedBlockHeight(context.Context) (uint64, error) {
	return f.height, nil
}

type fakeWallets struct {
	key     solana.PrivateKey
	none    bool
	signErr error
}

func newFakeWallets() *fakeWallets {
	return &fakeWallets{key: solana.NewWallet().PrivateKey}
}

func (w *fakeWallets) Select(context.Context) (*model.Wallet, error) {
	if w.none {
		return nil, ErrNoWallets
	}
	return &model.Wallet{Name: "w1", Address: w.key.PublicKey()}, nil
}

func (w *fakeWallets) SignTransaction(_ context.Context, _ []string, tx *solana.Transaction) error {
	if w.signErr != nil {
		return w.signErr
	}
	_, err := tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(w.key.PublicKey()) {
			return &w.key
		}
		return nil
	})
	return err
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) types() []alert.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.AlertType, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Type
	}
	return out
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

var processNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type processHarness struct {
	process *Process
	repo    *memBatchRepo
	source  *storemocks.MockDistributionSource
	chain   *fakeChain
	wallets *fakeWallets
	alerts  *recordingAlerter
	txs     *txCounter
	manager *batch.Manager
	builder *solanachain.TransferBuilder
}

func newProcessHarness(t *testing.T) *processHarness {
	t.Helper()
	ctrl := gomock.NewController(t)
	db, txs := openProcDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &processHarness{
		repo:    newMemBatchRepo(),
		source:  storemocks.NewMockDistributionSource(ctrl),
		chain:   newFakeChain(),
		wallets: newFakeWallets(),
		alerts:  &recordingAlerter{},
		txs:     txs,
		builder: solanachain.NewTransferBuilder(solana.NewWallet().PublicKey(), 0),
	}
	h.manager = batch.NewManager(h.repo, logger, batch.WithClock(func() time.Time { return processNow }))
	h.process = NewProcess(ProcessDeps{
		DB:      db,
		Batches: h.repo,
		Manager: h.manager,
		Source:  h.source,
		Wallets: h.wallets,
		Chain:   h.chain,
		Builder: h.builder,
		Alerter: h.alerts,
	}, logger)
	return h
}

func testDistributions(n int) []model.Distribution {
	ds := make([]model.Distribution, n)
	for i := range ds {
		ds[i] = model.Distribution{
			ID:        fmt.Sprintf("d%02d", i),
			Recipient: solana.NewWallet().PublicKey(),
			Amount:    uint64(100 + i),
		}
	}
	return ds
}

// seedBatch stores a batch in state Initialized or Processing.
func (h *processHarness) seedBatch(t *testing.T, state model.BatchState, ds []model.Distribution) model.Batch {
	t.Helper()
	ctx := context.Background()
	b, err := h.manager.Create(ctx, nil, ds)
	require.NoError(t, err)
	if state == model.BatchStateProcessing {
		b, err = h.manager.Process(ctx, nil, b.ID, "w1", model.BatchTx{
			Signature:            solana.SignatureFromBytes(make([]byte, 64)).String(),
			Blockhash:            solanachain.PlaceholderBlockhash.String(),
			LastValidBlockHeight: 1000,
		})
		require.NoError(t, err)
	}
	return *b
}

// ---------------------------------------------------------------------------
// Construct
// ---------------------------------------------------------------------------

func TestConstructBatches_PacksFromTailAndReturnsRest(t *testing.T) {
	h := newProcessHarness(t)
	page := testDistributions(DefaultPageSize)
	// Missing token accounts make every transfer larger so the page cannot fit.
	for _, d := range page {
		ata, err := h.builder.TokenAccount(d.Recipient)
		require.NoError(t, err)
		h.chain.missing[ata.String()] = true
	}

	var returned []model.Distribution
	gomock.InOrder(
		h.source.EXPECT().FetchTx(gomock.Any(), gomock.Any(), DefaultPageSize).Return(page, nil),
		h.source.EXPECT().OnReturnedTx(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ *sql.Tx, ds []model.Distribution) error {
				returned = ds
				return nil
			}),
		h.source.EXPECT().FetchTx(gomock.Any(), gomock.Any(), DefaultPageSize).Return(nil, nil),
	)

	packed, err := h.process.ConstructBatches(context.Background())
	require.NoError(t, err)

	batches := h.repo.all()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, model.BatchStateInitialized, b.State)
	assert.Equal(t, packed, len(b.Distributions))
	require.NotEmpty(t, b.Distributions)
	require.NotEmpty(t, returned)

	// Packed from the tail: the batch holds the last entries in reverse,
	// the source gets the untouched head back in order.
	assert.Equal(t, len(page), len(b.Distributions)+len(returned))
	for i, d := range b.Distributions {
		assert.Equal(t, page[len(page)-1-i].ID, d.ID)
	}
	assert.Equal(t, model.DistributionIDs(page[:len(returned)]), model.DistributionIDs(returned))

	assert.EqualValues(t, 2, h.txs.commits.Load())
	assert.Zero(t, h.txs.rollbacks.Load())
}

func TestConstructBatches_PackedBatchFitsSubmission(t *testing.T) {
	h := newProcessHarness(t)
	page := testDistributions(DefaultPageSize)

	gomock.InOrder(
		h.source.EXPECT().FetchTx(gomock.Any(), gomock.Any(), DefaultPageSize).Return(page, nil),
		h.source.EXPECT().OnReturnedTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).MaxTimes(1),
		h.source.EXPECT().FetchTx(gomock.Any(), gomock.Any(), DefaultPageSize).Return(nil, nil),
	)

	_, err := h.process.ConstructBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, h.repo.all(), 1)

	require.NoError(t, h.process.ProcessBatches(context.Background()))
	b := h.repo.all()[0]
	assert.Equal(t, model.BatchStateProcessing, b.State)
	require.Len(t, h.chain.sent, 1)
	assert.LessOrEqual(t, len(h.chain.sent[0]), solanachain.PacketDataSize)
}

func TestConstructBatches_RepeatedRecipientCreatesOnce(t *testing.T) {
	h := newProcessHarness(t)
	recipient := solana.NewWallet().PublicKey()
	page := []model.Distribution{
		{ID: "a", Recipient: recipient, Amount: 10},
		{ID: "b", Recipient: recipient, Amount: 20},
	}
	ata, err := h.builder.TokenAccount(recipient)
	require.NoError(t, err)
	h.chain.missing[ata.String()] = true

	gomock.InOrder(
		h.source.EXPECT().FetchTx(gomock.Any(), gomock.Any(), DefaultPageSize).Return(page, nil),
		h.source.EXPECT().FetchTx(gomock.Any(), gomock.Any(), DefaultPageSize).Return(nil, nil),
	)
	packed, err := h.process.ConstructBatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, packed)

	require.NoError(t, h.process.ProcessBatches(context.Background()))
	require.Len(t, h.chain.sent, 1)
	assert.Equal(t, 1, tokenAccountCreates(t, h.chain.sent[0]))
	assert.Equal(t, model.BatchStateProcessing, h.repo.all()[0].State)
}

func TestConstructBatches_EmptySource(t *testing.T) {
	h := newProcessHarness(t)
	h.source.EXPECT().FetchTx(gomock.Any(), gomock.Any(), DefaultPageSize).Return(nil, nil)

	packed, err := h.process.ConstructBatches(context.Background())
	require.NoError(t, err)
	assert.Zero(t, packed)
	assert.Empty(t, h.repo.all())
}

func TestConstructBatches_FetchErrorRollsBack(t *testing.T) {
	h := newProcessHarness(t)
	h.source.EXPECT().FetchTx(gomock.Any(), gomock.Any(), DefaultPageSize).Return(nil, errors.New("db down"))

	_, err := h.process.ConstructBatches(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Zero(t, h.txs.commits.Load())
	assert.EqualValues(t, 1, h.txs.rollbacks.Load())
}

func TestConstructBatches_StopsOnCanceledContext(t *testing.T) {
	h := newProcessHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.process.ConstructBatches(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Process
// ---------------------------------------------------------------------------

func TestProcessBatches_Submits(t *testing.T) {
	h := newProcessHarness(t)
	seeded := h.seedBatch(t, model.BatchStateInitialized, testDistributions(2))

	require.NoError(t, h.process.ProcessBatches(context.Background()))

	b := h.repo.get(t, seeded.ID)
	assert.Equal(t, model.BatchStateProcessing, b.State)
	require.NotNil(t, b.WalletName)
	assert.Equal(t, "w1", *b.WalletName)
	require.NotNil(t, b.Tx)
	assert.Equal(t, h.chain.blockhash.Hash, b.Tx.Blockhash)
	assert.Equal(t, h.chain.blockhash.LastValidBlockHeight, b.Tx.LastValidBlockHeight)

	require.Len(t, h.chain.sent, 1)
	assert.Equal(t, solana.SignatureFromBytes(h.chain.sent[0][1:65]).String(), b.Tx.Signature)
	require.NoError(t, b.Validate())
}

func TestProcessBatches_AmbiguousSendKeepsProcessing(t *testing.T) {
	h := newProcessHarness(t)
	h.chain.sendErr = fmt.Errorf("send: %w", context.DeadlineExceeded)
	seeded := h.seedBatch(t, model.BatchStateInitialized, testDistributions(1))

	require.NoError(t, h.process.ProcessBatches(context.Background()))

	b := h.repo.get(t, seeded.ID)
	assert.Equal(t, model.BatchStateProcessing, b.State)
	assert.Nil(t, b.Message)
	assert.EqualValues(t, 1, h.txs.commits.Load())
}

func TestProcessBatches_RejectedSendFailsBatch(t *testing.T) {
	h := newProcessHarness(t)
	h.chain.sendErr = &rpc.RPCError{Code: -32002, Message: "Transaction simulation failed"}
	ds := testDistributions(2)
	seeded := h.seedBatch(t, model.BatchStateInitialized, ds)

	h.source.EXPECT().OnReturnedTx(gomock.Any(), gomock.Any(), ds).Return(nil)

	require.NoError(t, h.process.ProcessBatches(context.Background()))

	b := h.repo.get(t, seeded.ID)
	assert.Equal(t, model.BatchStateFailed, b.State)
	require.NotNil(t, b.Message)
	assert.Contains(t, *b.Message, "Transaction simulation failed")
	require.NotNil(t, b.CompletedAt)
}

func TestProcessBatches_GatewayTimeoutKeepsProcessing(t *testing.T) {
	h := newProcessHarness(t)
	h.chain.sendErr = &rpc.HTTPStatusError{StatusCode: 504, Body: "<html><title>504 Gateway Time-out</title></html>"}
	seeded := h.seedBatch(t, model.BatchStateInitialized, testDistributions(2))

	require.NoError(t, h.process.ProcessBatches(context.Background()))

	b := h.repo.get(t, seeded.ID)
	assert.Equal(t, model.BatchStateProcessing, b.State)
	assert.Nil(t, b.Message)
	require.Len(t, h.chain.sent, 1)
}

func TestProcessBatches_OversizedTransactionFailsBatch(t *testing.T) {
	h := newProcessHarness(t)
	ds := testDistributions(DefaultPageSize)
	seeded := h.seedBatch(t, model.BatchStateInitialized, ds)
	// Every recipient lost its token account after packing, so each transfer
	// now needs a create instruction and the signed transaction overflows.
	for _, d := range ds {
		ata, err := h.builder.TokenAccount(d.Recipient)
		require.NoError(t, err)
		h.chain.missing[ata.String()] = true
	}

	h.source.EXPECT().OnReturnedTx(gomock.Any(), gomock.Any(), ds).Return(nil).Times(1)

	require.NoError(t, h.process.ProcessBatches(context.Background()))

	b := h.repo.get(t, seeded.ID)
	assert.Equal(t, model.BatchStateFailed, b.State)
	require.NotNil(t, b.Message)
	assert.Contains(t, *b.Message, "exceeds")
	require.NotNil(t, b.Tx)
	assert.Empty(t, h.chain.sent)
	assert.EqualValues(t, 1, h.txs.commits.Load())
	assert.Zero(t, h.txs.rollbacks.Load())
}

// tokenAccountCreates counts associated token account program instructions
// in a serialized transaction.
func tokenAccountCreates(t *testing.T, raw []byte) int {
	t.Helper()
	tx, err := solana.TransactionFromBytes(raw)
	require.NoError(t, err)
	n := 0
	for _, ix := range tx.Message.Instructions {
		if tx.Message.AccountKeys[ix.ProgramIDIndex].Equals(solana.SPLAssociatedTokenAccountProgramID) {
			n++
		}
	}
	return n
}

func TestProcessBatches_CreatesRecipientTokenAccountOnce(t *testing.T) {
	h := newProcessHarness(t)
	recipient := solana.NewWallet().PublicKey()
	ds := []model.Distribution{
		{ID: "a", Recipient: recipient, Amount: 10},
		{ID: "b", Recipient: recipient, Amount: 20},
		{ID: "c", Recipient: solana.NewWallet().PublicKey(), Amount: 30},
	}
	for _, d := range ds {
		ata, err := h.builder.TokenAccount(d.Recipient)
		require.NoError(t, err)
		h.chain.missing[ata.String()] = true
	}
	h.seedBatch(t, model.BatchStateInitialized, ds)

	require.NoError(t, h.process.ProcessBatches(context.Background()))

	require.Len(t, h.chain.sent, 1)
	assert.Equal(t, 2, tokenAccountCreates(t, h.chain.sent[0]))
}

func TestProcessBatches_SignatureMismatchRollsBack(t *testing.T) {
	h := newProcessHarness(t)
	h.chain.sendSig = "unexpected"
	h.seedBatch(t, model.BatchStateInitialized, testDistributions(1))

	require.NoError(t, h.process.ProcessBatches(context.Background()))

	assert.Zero(t, h.txs.commits.Load())
	assert.EqualValues(t, 1, h.txs.rollbacks.Load())
	assert.Equal(t, []alert.AlertType{alert.AlertTypeConsistencyViolation}, h.alerts.types())
}

func TestProcessBatches_NoWalletsEndsPass(t *testing.T) {
	h := newProcessHarness(t)
	h.wallets.none = true
	first := h.seedBatch(t, model.BatchStateInitialized, testDistributions(1))
	second := h.seedBatch(t, model.BatchStateInitialized, testDistributions(1))

	err := h.process.ProcessBatches(context.Background())
	require.ErrorIs(t, err, ErrNoWallets)

	assert.Equal(t, model.BatchStateInitialized, h.repo.get(t, first.ID).State)
	assert.Equal(t, model.BatchStateInitialized, h.repo.get(t, second.ID).State)
	assert.Empty(t, h.chain.sent)
	assert.Equal(t, []alert.AlertType{alert.AlertTypeNoWallets}, h.alerts.types())
}

func TestProcessBatches_SignFailureSkipsBatch(t *testing.T) {
	h := newProcessHarness(t)
	h.wallets.signErr = errors.New("decrypt failed")
	first := h.seedBatch(t, model.BatchStateInitialized, testDistributions(1))
	second := h.seedBatch(t, model.BatchStateInitialized, testDistributions(1))

	require.NoError(t, h.process.ProcessBatches(context.Background()))

	assert.Equal(t, model.BatchStateInitialized, h.repo.get(t, first.ID).State)
	assert.Equal(t, model.BatchStateInitialized, h.repo.get(t, second.ID).State)
	assert.EqualValues(t, 2, h.txs.rollbacks.Load())
	assert.Empty(t, h.chain.sent)
}

// ---------------------------------------------------------------------------
// Complete
// ---------------------------------------------------------------------------

func TestCompleteBatches_Finalized(t *testing.T) {
	h := newProcessHarness(t)
	ds := testDistributions(1)
	seeded := h.seedBatch(t, model.BatchStateProcessing, ds)
	sig := seeded.Tx.Signature
	h.chain.statuses[sig] = &chain.TxStatus{Slot: 10, Finalized: true}

	h.source.EXPECT().OnCompletedTx(gomock.Any(), gomock.Any(), ds, sig).Return(nil)

	require.NoError(t, h.process.CompleteBatches(context.Background()))

	b := h.repo.get(t, seeded.ID)
	assert.Equal(t, model.BatchStateSuccess, b.State)
	assert.Nil(t, b.Message)
	require.NotNil(t, b.CompletedAt)
	assert.Equal(t, processNow, *b.CompletedAt)
}

func TestCompleteBatches_NotFinalizedWaits(t *testing.T) {
	h := newProcessHarness(t)
	seeded := h.seedBatch(t, model.BatchStateProcessing, testDistributions(1))
	h.chain.statuses[seeded.Tx.Signature] = &chain.TxStatus{Slot: 10}

	require.NoError(t, h.process.CompleteBatches(context.Background()))
	assert.Equal(t, model.BatchStateProcessing, h.repo.get(t, seeded.ID).State)
}

func TestCompleteBatches_UnknownWithinValidityWaits(t *testing.T) {
	h := newProcessHarness(t)
	seeded := h.seedBatch(t, model.BatchStateProcessing, testDistributions(1))
	h.chain.height = seeded.Tx.LastValidBlockHeight

	require.NoError(t, h.process.CompleteBatches(context.Background()))
	assert.Equal(t, model.BatchStateProcessing, h.repo.get(t, seeded.ID).State)
}

func TestCompleteBatches_ExpiredIsRetried(t *testing.T) {
	h := newProcessHarness(t)
	seeded := h.seedBatch(t, model.BatchStateProcessing, testDistributions(2))
	h.chain.height = seeded.Tx.LastValidBlockHeight + 1

	require.NoError(t, h.process.CompleteBatches(context.Background()))

	b := h.repo.get(t, seeded.ID)
	assert.Equal(t, model.BatchStateInitialized, b.State)
	assert.Nil(t, b.WalletName)
	assert.Nil(t, b.Tx)
	assert.Nil(t, b.Message)
	assert.Nil(t, b.ProcessedAt)
	assert.Nil(t, b.CompletedAt)
	assert.Equal(t, seeded.Distributions, b.Distributions)
	assert.EqualValues(t, 1, h.txs.commits.Load())
}

func TestCompleteBatches_FailedOnChain(t *testing.T) {
	h := newProcessHarness(t)
	ds := testDistributions(1)
	seeded := h.seedBatch(t, model.BatchStateProcessing, ds)
	txErr := json.RawMessage(`{"InstructionError":[0,{"Custom":1}]}`)
	h.chain.statuses[seeded.Tx.Signature] = &chain.TxStatus{Slot: 10, Finalized: true, Err: txErr}

	h.source.EXPECT().OnReturnedTx(gomock.Any(), gomock.Any(), ds).Return(nil)

	require.NoError(t, h.process.CompleteBatches(context.Background()))

	b := h.repo.get(t, seeded.ID)
	assert.Equal(t, model.BatchStateFailed, b.State)
	require.NotNil(t, b.Message)
	assert.Equal(t, string(txErr), *b.Message)
	assert.Equal(t, []alert.AlertType{alert.AlertTypeBatchFailed}, h.alerts.types())
}

func TestCompleteBatches_SourceErrorRollsBack(t *testing.T) {
	h := newProcessHarness(t)
	ds := testDistributions(1)
	seeded := h.seedBatch(t, model.BatchStateProcessing, ds)
	h.chain.statuses[seeded.Tx.Signature] = &chain.TxStatus{Finalized: true}

	h.source.EXPECT().OnCompletedTx(gomock.Any(), gomock.Any(), ds, seeded.Tx.Signature).Return(errors.New("source down"))

	require.NoError(t, h.process.CompleteBatches(context.Background()))
	assert.Zero(t, h.txs.commits.Load())
	assert.EqualValues(t, 1, h.txs.rollbacks.Load())
	assert.Empty(t, h.alerts.types())
}

func TestCompleteBatches_CorruptBatchAlertsAndContinues(t *testing.T) {
	h := newProcessHarness(t)
	bad := h.seedBatch(t, model.BatchStateProcessing, testDistributions(1))
	good := h.seedBatch(t, model.BatchStateProcessing, testDistributions(1))
	h.chain.statuses[good.Tx.Signature] = &chain.TxStatus{Finalized: true}

	// Both seeded batches share the zero signature; only the corrupt one
	// must be skipped.
	h.repo.corrupt[bad.ID] = true
	h.source.EXPECT().OnCompletedTx(gomock.Any(), gomock.Any(), good.Distributions, good.Tx.Signature).Return(nil)

	require.NoError(t, h.process.CompleteBatches(context.Background()))

	assert.Equal(t, model.BatchStateSuccess, h.repo.get(t, good.ID).State)
	assert.Equal(t, []alert.AlertType{alert.AlertTypeDataCorruption}, h.alerts.types())
}
