package solana

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/emperorhan/token-distributor/internal/chain"
	"github.com/emperorhan/token-distributor/internal/chain/solana/rpc"
	rpcmocks "github.com/emperorhan/token-distributor/internal/chain/solana/rpc/mocks"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestAdapter(ctrl *gomock.Controller) (*Adapter, *rpcmocks.MockRPCClient) {
	mockClient := rpcmocks.NewMockRPCClient(ctrl)
	adapter := &Adapter{
		client:              mockClient,
		logger:              slog.Default(),
		probeCommitment:     model.CommitmentProcessed,
		blockhashCommitment: model.CommitmentFinalized,
	}
	return adapter, mockClient
}

func TestAdapter_RPCClientContractParity(t *testing.T) {
	t.Parallel()

	var _ rpc.RPCClient = (*rpc.Client)(nil)
	var _ chain.TransferChain = NewAdapter("http://rpc.local", nil)
}

func TestAdapter_Chain(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, _ := newTestAdapter(ctrl)
	assert.Equal(t, "solana", adapter.Chain())
}

func TestNewAdapter_ProbeCommitmentOption(t *testing.T) {
	a := NewAdapter("http://rpc.local", slog.Default(), WithProbeCommitment(model.CommitmentConfirmed))
	assert.Equal(t, model.CommitmentConfirmed, a.probeCommitment)
	assert.Equal(t, model.CommitmentFinalized, a.blockhashCommitment)
}

func TestAdapter_AccountExists(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, client := newTestAdapter(ctrl)
	ctx := context.Background()

	client.EXPECT().GetAccountInfo(ctx, "present", "processed").Return(&rpc.AccountInfo{Lamports: 1}, nil)
	client.EXPECT().GetAccountInfo(ctx, "absent", "processed").Return(nil, nil)

	ok, err := adapter.AccountExists(ctx, "present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.AccountExists(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdapter_AccountExists_Error(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, client := newTestAdapter(ctrl)

	client.EXPECT().GetAccountInfo(gomock.Any(), "x", "processed").Return(nil, errors.New("boom"))

	_, err := adapter.AccountExists(context.Background(), "x")
	require.Error(t, err)
}

func TestAdapter_LatestBlockhash(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, client := newTestAdapter(ctrl)

	client.EXPECT().GetLatestBlockhash(gomock.Any(), "finalized").
		Return(&rpc.LatestBlockhash{Blockhash: "hash", LastValidBlockHeight: 300}, nil)

	bh, err := adapter.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chain.Blockhash{Hash: "hash", LastValidBlockHeight: 300}, bh)
}

func TestAdapter_SendRawTransaction_NoPreflightNoRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, client := newTestAdapter(ctrl)
	raw := []byte{1, 2, 3}
	zero := uint(0)

	client.EXPECT().SendTransaction(gomock.Any(), raw, rpc.SendOptions{SkipPreflight: true, MaxRetries: &zero}).
		Return("sig", nil)

	sig, err := adapter.SendRawTransaction(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "sig", sig)
}

func TestAdapter_SignatureStatus(t *testing.T) {
	confirmations := uint64(3)
	tests := []struct {
		name   string
		status *rpc.SignatureStatus
		want   *chain.TxStatus
	}{
		{
			name:   "unknown",
			status: nil,
			want:   nil,
		},
		{
			name:   "confirmed",
			status: &rpc.SignatureStatus{Slot: 10, Confirmations: &confirmations, Err: json.RawMessage(`null`), ConfirmationStatus: "confirmed"},
			want:   &chain.TxStatus{Slot: 10, Finalized: false, Err: json.RawMessage(`null`)},
		},
		{
			name:   "finalized",
			status: &rpc.SignatureStatus{Slot: 11, ConfirmationStatus: "finalized"},
			want:   &chain.TxStatus{Slot: 11, Finalized: true},
		},
		{
			name:   "failed",
			status: &rpc.SignatureStatus{Slot: 12, Err: json.RawMessage(`{"InstructionError":[1,{"Custom":1}]}`), ConfirmationStatus: "finalized"},
			want:   &chain.TxStatus{Slot: 12, Finalized: true, Err: json.RawMessage(`{"InstructionError":[1,{"Custom":1}]}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			adapter, client := newTestAdapter(ctrl)

			client.EXPECT().GetSignatureStatuses(gomock.Any(), []string{"sig"}, true).
				Return([]*rpc.SignatureStatus{tt.status}, nil)

			got, err := adapter.SignatureStatus(context.Background(), "sig")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTxStatus_Failed(t *testing.T) {
	assert.False(t, (&chain.TxStatus{}).Failed())
	assert.False(t, (&chain.TxStatus{Err: json.RawMessage(`null`)}).Failed())
	assert.True(t, (&chain.TxStatus{Err: json.RawMessage(`"AccountInUse"`)}).Failed())
}

func TestAdapter_SignatureStatus_WrongLength(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, client := newTestAdapter(ctrl)

	client.EXPECT().GetSignatureStatuses(gomock.Any(), []string{"sig"}, true).Return([]*rpc.SignatureStatus{}, nil)

	_, err := adapter.SignatureStatus(context.Background(), "sig")
	require.Error(t, err)
}

func TestAdapter_FinalizedBlockHeight(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, client := newTestAdapter(ctrl)

	client.EXPECT().GetBlockHeight(gomock.Any(), "finalized").Return(uint64(4242), nil)

	h, err := adapter.FinalizedBlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), h)
}
