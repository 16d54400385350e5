package httpapi

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openxai-network/miniapp-factory/internal/crypto"
	"github.com/openxai-network/miniapp-factory/internal/domain/project"
	"github.com/openxai-network/miniapp-factory/internal/ledger"
	"github.com/openxai-network/miniapp-factory/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	s := memory.New()
	svc := &Service{
		Store:      s,
		Ledger:     ledger.New(s),
		LocalOwner: "eth:local",
	}
	return svc, s
}

func TestHandleProjectPriceFreeForFirstProject(t *testing.T) {
	svc, _ := newTestService()
	req := httptest.NewRequest(http.MethodGet, "/api/factory/project/price", nil)
	req.Header.Set(authHeader, "eth:caller")
	rec := httptest.NewRecorder()

	svc.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", strings.TrimSpace(rec.Body.String()))
}

func TestHandleProjectCreateRejectsInvalidName(t *testing.T) {
	svc, _ := newTestService()
	req := httptest.NewRequest(http.MethodPost, "/api/factory/project/create", strings.NewReader(`{"project":"Not_Valid!"}`))
	req.Header.Set(authHeader, "eth:caller")
	rec := httptest.NewRecorder()

	svc.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleProjectCreateMissingAuthIs401(t *testing.T) {
	svc, _ := newTestService()
	req := httptest.NewRequest(http.MethodPost, "/api/factory/project/create", strings.NewReader(`{"project":"demo"}`))
	rec := httptest.NewRecorder()

	svc.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleProjectCreateInsufficientFundsIs402(t *testing.T) {
	svc, s := newTestService()
	ctx := context.Background()

	// Exhaust the free-project allowance: caller already owns a project,
	// so the next one is priced, and the caller has no credits.
	_, err := s.InsertProject(ctx, project.Project{Name: "already-owned", Owner: "eth:caller"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/factory/project/create", strings.NewReader(`{"project":"demo"}`))
	req.Header.Set(authHeader, "eth:caller")
	rec := httptest.NewRecorder()

	svc.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	_, err = s.GetProjectByName(ctx, "demo")
	assert.Error(t, err, "a rejected create must not insert the project row")
}

func TestHandleProjectChangeRejectsNonOwner(t *testing.T) {
	svc, s := newTestService()
	ctx := context.Background()
	_, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:owner"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/factory/project/change", strings.NewReader(`{"project":"demo","instructions":"do it"}`))
	req.Header.Set(authHeader, "eth:someone-else")
	rec := httptest.NewRecorder()

	svc.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlePromoAddRequiresOwnerSignature(t *testing.T) {
	svc, s := newTestService()
	ctx := context.Background()

	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	svc.LocalOwner = crypto.Address(key)

	codes := `[{"code":"WELCOME","credits":500,"description":"launch"}]`
	hash := crypto.Keccak256([]byte(codes))
	compact := ecdsa.SignCompact(key, hash, false)
	sig := make([]byte, 65)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0] - 27
	signature := "0x" + hex.EncodeToString(sig)

	body := `{"promo_codes":` + codes + `,"signature":"` + signature + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/factory/promo_code/add", strings.NewReader(body))
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	promo, err := s.GetUnredeemedPromoCode(ctx, "WELCOME")
	require.NoError(t, err)
	assert.Equal(t, int64(500), promo.Credits)

	// A signature from a different key must be rejected.
	otherKey, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	compact = ecdsa.SignCompact(otherKey, hash, false)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0] - 27
	body = `{"promo_codes":` + codes + `,"signature":"0x` + hex.EncodeToString(sig) + `"}`

	req = httptest.NewRequest(http.MethodPost, "/api/factory/promo_code/add", strings.NewReader(body))
	rec = httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleProjectChangeRejectsConcurrentInFlight(t *testing.T) {
	svc, s := newTestService()
	ctx := context.Background()
	_, err := s.InsertProject(ctx, project.Project{Name: "demo", Owner: "eth:owner"})
	require.NoError(t, err)

	first := httptest.NewRequest(http.MethodPost, "/api/factory/project/change", strings.NewReader(`{"project":"demo","instructions":"a"}`))
	first.Header.Set(authHeader, "eth:owner")
	rec1 := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec1, first)
	require.Equal(t, http.StatusOK, rec1.Code)

	second := httptest.NewRequest(http.MethodPost, "/api/factory/project/change", strings.NewReader(`{"project":"demo","instructions":"b"}`))
	second.Header.Set(authHeader, "eth:owner")
	rec2 := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec2, second)

	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}
