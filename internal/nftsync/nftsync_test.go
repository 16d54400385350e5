package nftsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/store/memory"
)

type fakeSource struct{}

func (fakeSource) Subscribe(ctx context.Context, handler func(TransferEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHandleTransferUpdatesOwner(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	p, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:aaaa"})
	require.NoError(t, err)

	sy := New(s, fakeSource{}, nil)
	sy.handle(ctx, TransferEvent{
		From:    "0x1111111111111111111111111111111111111111",
		To:      "0x2222222222222222222222222222222222222222",
		TokenID: int64(p.ID),
	})

	got, err := s.GetProjectByName(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "eth:2222222222222222222222222222222222222222", got.Owner)
}

func TestHandleTransferSkipsFreshMint(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	p, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:aaaa"})
	require.NoError(t, err)

	sy := New(s, fakeSource{}, nil)
	sy.handle(ctx, TransferEvent{
		From:    "0x0000000000000000000000000000000000000000",
		To:      "0x2222222222222222222222222222222222222222",
		TokenID: int64(p.ID),
	})

	got, err := s.GetProjectByName(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "eth:aaaa", got.Owner, "owner must be unchanged for a zero-address transfer")
}

func TestHandleTransferNonExistentProject(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	sy := New(s, fakeSource{}, nil)
	// Must not panic or error visibly; just logs and returns.
	sy.handle(ctx, TransferEvent{
		From:    "0x1111111111111111111111111111111111111111",
		To:      "0x2222222222222222222222222222222222222222",
		TokenID: 999,
	})
}

func TestHandleTransferIdempotent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	p, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:aaaa"})
	require.NoError(t, err)

	sy := New(s, fakeSource{}, nil)
	event := TransferEvent{
		From:    "0x1111111111111111111111111111111111111111",
		To:      "0x2222222222222222222222222222222222222222",
		TokenID: int64(p.ID),
	}
	sy.handle(ctx, event)
	before, err := s.GetProjectByName(ctx, "demo")
	require.NoError(t, err)

	sy.handle(ctx, event)
	after, err := s.GetProjectByName(ctx, "demo")
	require.NoError(t, err)

	assert.Equal(t, before, after, "replaying the same transfer must leave the project row unchanged")
}
