package nftminter

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/store/memory"
)

type fakeMinter struct {
	txHash string
	err    error
	calls  int
}

func (f *fakeMinter) Mint(ctx context.Context, tokenID int, owner string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.txHash, nil
}

func TestTickMintsOldestUnmintedProject(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.InsertProject(ctx, project.Project{Name: "first", Owner: "eth:aaaa"})
	require.NoError(t, err)
	_, err = s.InsertProject(ctx, project.Project{Name: "second", Owner: "eth:bbbb"})
	require.NoError(t, err)

	minter := &fakeMinter{txHash: "0xdeadbeef"}
	m := New(Config{Store: s, Minter: minter})

	m.tick(ctx)

	first, err := s.GetProjectByName(ctx, "first")
	require.NoError(t, err)
	assert.True(t, first.NFTMinted)
	require.NotNil(t, first.NFTTxHash)
	assert.Equal(t, "0xdeadbeef", *first.NFTTxHash)

	second, err := s.GetProjectByName(ctx, "second")
	require.NoError(t, err)
	assert.False(t, second.NFTMinted, "only the oldest unminted project should mint per tick")

	m.tick(ctx)
	second, err = s.GetProjectByName(ctx, "second")
	require.NoError(t, err)
	assert.True(t, second.NFTMinted)
}

func TestTickRetriesOnMintFailure(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:aaaa"})
	require.NoError(t, err)

	minter := &fakeMinter{err: fmt.Errorf("rpc unavailable")}
	m := New(Config{Store: s, Minter: minter})

	m.tick(ctx)
	m.tick(ctx)

	demo, err := s.GetProjectByName(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, demo.NFTMinted)
	assert.Equal(t, 2, minter.calls, "a failed mint must be retried on the next tick, not skipped")
}

func TestTickNoopWhenNothingUnminted(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	minter := &fakeMinter{txHash: "0xdeadbeef"}
	m := New(Config{Store: s, Minter: minter})

	m.tick(ctx)
	assert.Equal(t, 0, minter.calls)
}
