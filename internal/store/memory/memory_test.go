package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openxai-network/miniapp-factory/internal/domain/credit"
	"github.com/openxai-network/miniapp-factory/internal/domain/deployment"
	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/domain/worker"
)

func TestDeploymentFIFOOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:aaaa"})
	require.NoError(t, err)

	d1, err := s.InsertDeployment(ctx, deployment.Deployment{Project: "demo", Instructions: "a", SubmittedAt: 1})
	require.NoError(t, err)
	_, err = s.InsertDeployment(ctx, deployment.Deployment{Project: "demo", Instructions: "b", SubmittedAt: 2})
	require.NoError(t, err)

	next, err := s.GetNextUnfinishedDeployment(ctx)
	require.NoError(t, err)
	assert.Equal(t, d1.ID, next.ID)
}

func TestCreditNonNegativeInvariant(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.InsertCredit(ctx, credit.Entry{Account: "eth:aaaa", Credits: 100})
	require.NoError(t, err)

	_, err = s.InsertCredit(ctx, credit.Entry{Account: "eth:aaaa", Credits: -200})
	assert.Error(t, err)

	total, err := s.GetTotalCreditsByAccount(ctx, "eth:aaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
}

func TestWorkerAvailability(t *testing.T) {
	s := New()
	ctx := context.Background()

	w, err := s.InsertWorker(ctx, worker.Worker{Hardware: []byte(`{}`), Dynamic: true})
	require.NoError(t, err)

	_, err = s.GetAvailableWorker(ctx)
	assert.Error(t, err)

	require.NoError(t, s.UpdateWorkerSetupFinished(ctx, w.ID, true))
	available, err := s.GetAvailableWorker(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.ID, available.ID)
}

func TestPromoCodeRedeemOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.InsertPromoCode(ctx, credit.PromoCode{Code: "WELCOME", Credits: 500})
	require.NoError(t, err)

	require.NoError(t, s.RedeemPromoCode(ctx, "WELCOME", "eth:aaaa"))
	assert.Error(t, s.RedeemPromoCode(ctx, "WELCOME", "eth:bbbb"))
}

func TestDeleteAllDeploymentsAfter(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:aaaa"})
	require.NoError(t, err)

	d1, err := s.InsertDeployment(ctx, deployment.Deployment{Project: "demo", SubmittedAt: 1})
	require.NoError(t, err)
	d2, err := s.InsertDeployment(ctx, deployment.Deployment{Project: "demo", SubmittedAt: 2})
	require.NoError(t, err)

	require.NoError(t, s.DeleteAllDeploymentsAfter(ctx, "demo", d1.ID))

	got, err := s.GetDeploymentByID(ctx, d2.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}
