package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/imagegen-gateway/internal/billing"
	"github.com/vnmchuo/imagegen-gateway/internal/idempotency"
	"github.com/vnmchuo/imagegen-gateway/internal/ledger"
	"github.com/vnmchuo/imagegen-gateway/internal/pricing"
	"github.com/vnmchuo/imagegen-gateway/internal/provider"
	"github.com/vnmchuo/imagegen-gateway/internal/provider/gemini"
	"github.com/vnmchuo/imagegen-gateway/pkg/ratelimit"
)

type fakeProvider struct {
	calls  atomic.Int32
	resp   *provider.Response
	err    error
	panics bool
	onCall func(ctx context.Context)
}

func (f *fakeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.calls.Add(1)
	if f.onCall != nil {
		f.onCall(ctx)
	}
	if f.panics {
		panic("nil map write")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProvider) Name() string              { return "fake" }
func (f *fakeProvider) SupportedModels() []string { return nil }

type memoryRecorder struct {
	mu   sync.Mutex
	logs []*billing.GenerationLog
}

func (m *memoryRecorder) Enqueue(ctx context.Context, log *billing.GenerationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

// failingRefunds wraps a ledger whose refunds never land.
type failingRefunds struct {
	ledger.Store
}

func (f failingRefunds) Refund(ctx context.Context, accountID string, amount int64) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

type harness struct {
	mr       *miniredis.Miniredis
	ledger   *ledger.RedisStore
	guard    *idempotency.Guard
	provider *fakeProvider
	recorder *memoryRecorder
	coord    *Coordinator
}

var fixedNow = time.Date(2026, 5, 4, 9, 30, 30, 0, time.UTC)

func newHarness(t *testing.T, balance int64) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		mr:       mr,
		ledger:   ledger.NewRedisStore(rdb),
		guard:    idempotency.NewGuard(rdb, idempotency.DefaultTTL),
		provider: &fakeProvider{resp: &provider.Response{Images: []string{"data:image/png;base64,AAAA"}, FinishReason: "STOP"}},
		recorder: &memoryRecorder{},
	}
	require.NoError(t, h.ledger.Create(context.Background(), &ledger.Account{ID: "u1", Balance: balance}))

	h.coord = New(Deps{
		Pricing:  pricing.NewCalculator(pricing.DefaultTable()),
		Limiter:  ratelimit.NewLimiter(rdb, 20, ratelimit.WithClock(func() time.Time { return fixedNow })),
		Guard:    h.guard,
		Ledger:   h.ledger,
		Provider: h.provider,
		Recorder: h.recorder,
	})
	return h
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	acct, err := h.ledger.Get(context.Background(), "u1")
	require.NoError(t, err)
	return acct.Balance
}

func (h *harness) parse(t *testing.T, body string) *Request {
	t.Helper()
	req, err := h.coord.ParseRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func asError(t *testing.T, err error) *Error {
	t.Helper()
	var ce *Error
	require.ErrorAs(t, err, &ce)
	return ce
}

const flashBody = `{"requestId":"req-1","model":"gemini-2.5-flash-image","instruction":"sticker","prompt":"a cat"}`

func TestGenerate_Success(t *testing.T) {
	h := newHarness(t, 100)

	res, err := h.coord.Generate(context.Background(), "u1", h.parse(t, flashBody))
	require.NoError(t, err)

	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, int64(6), res.ChargedCredits)
	assert.Equal(t, int64(6), res.PerImageCredits)
	assert.Equal(t, int64(94), res.Balance)
	assert.Equal(t, "STOP", res.FinishReason)
	assert.Len(t, res.Images, 1)
	assert.Equal(t, int64(94), h.balance(t))

	rec, err := h.guard.Lookup(context.Background(), "u1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Charged)

	require.Len(t, h.recorder.logs, 1)
	assert.Equal(t, http.StatusOK, h.recorder.logs[0].StatusCode)
	assert.False(t, h.recorder.logs[0].Refunded)
}

func TestGenerate_InsufficientCredits(t *testing.T) {
	h := newHarness(t, 10)
	req := h.parse(t, `{"requestId":"req-1","model":"gemini-3-pro-image-preview","imageSize":"1K","instruction":"i","prompt":"p"}`)

	_, err := h.coord.Generate(context.Background(), "u1", req)
	ce := asError(t, err)
	assert.Equal(t, KindInsufficientCredits, ce.Kind)
	assert.Equal(t, http.StatusPaymentRequired, ce.Kind.HTTPStatus())
	assert.Equal(t, int64(18), ce.Needed)
	assert.Equal(t, int64(10), ce.Balance)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientCredits))

	assert.Equal(t, int64(10), h.balance(t))
	assert.Zero(t, h.provider.calls.Load())
	_, err = h.guard.Lookup(context.Background(), "u1", "req-1")
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound, "refused debit must free the request id")
	assert.Empty(t, h.recorder.logs)
}

func TestGenerate_ProviderFailureRefunds(t *testing.T) {
	h := newHarness(t, 100)
	h.provider.err = &provider.Error{Message: "dial tcp: i/o timeout"}
	req := h.parse(t, `{"requestId":"req-4k","model":"gemini-3-pro-image-preview","imageSize":"4k","instruction":"i","prompt":"p"}`)
	require.Equal(t, int64(30), req.Quote.Total)

	_, err := h.coord.Generate(context.Background(), "u1", req)
	ce := asError(t, err)
	assert.Equal(t, KindProvider, ce.Kind)
	assert.Equal(t, http.StatusBadGateway, ce.Kind.HTTPStatus())
	assert.True(t, ce.Refunded)
	assert.Equal(t, "provider unavailable", ce.Message, "transport details stay out of the response")

	assert.Equal(t, int64(100), h.balance(t))
	_, err = h.guard.Lookup(context.Background(), "u1", "req-4k")
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)

	require.Len(t, h.recorder.logs, 1)
	assert.True(t, h.recorder.logs[0].Refunded)
	assert.Equal(t, int64(30), h.recorder.logs[0].ChargedCredits)

	// the freed id can be retried and is charged once
	h.provider.err = nil
	res, err := h.coord.Generate(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Balance)
}

func TestGenerate_ProviderPanicRefunds(t *testing.T) {
	h := newHarness(t, 100)
	h.provider.panics = true

	_, err := h.coord.Generate(context.Background(), "u1", h.parse(t, flashBody))
	ce := asError(t, err)
	assert.Equal(t, KindInternal, ce.Kind)
	assert.True(t, ce.Refunded)
	assert.Equal(t, int64(100), h.balance(t))
}

func TestGenerate_ClientDisconnectKeepsCharge(t *testing.T) {
	h := newHarness(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	var providerCtxErr error
	h.provider.onCall = func(pctx context.Context) {
		cancel()
		providerCtxErr = pctx.Err()
	}

	res, err := h.coord.Generate(ctx, "u1", h.parse(t, flashBody))
	require.NoError(t, err)
	assert.NoError(t, providerCtxErr, "provider call must not see the client's cancellation")
	assert.Len(t, res.Images, 1)
	assert.Equal(t, int64(94), h.balance(t))

	_, err = h.coord.Generate(context.Background(), "u1", h.parse(t, flashBody))
	assert.Equal(t, KindDuplicate, KindOf(err), "request id stays spent")
	assert.Equal(t, int64(94), h.balance(t))
}

func TestGenerate_ClientDisconnectDuringUpstreamCall(t *testing.T) {
	received := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(received)
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"AAAA"}}]},"finishReason":"STOP"}]}`))
	}))
	defer upstream.Close()

	h := newHarness(t, 100)
	h.coord.provider = gemini.New("test-key", gemini.WithBaseURL(upstream.URL), gemini.WithTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-received
		cancel()
	}()

	res, err := h.coord.Generate(ctx, "u1", h.parse(t, flashBody))
	require.NoError(t, err)
	assert.Equal(t, []string{"data:image/png;base64,AAAA"}, res.Images)
	assert.Equal(t, int64(94), h.balance(t))
	require.Len(t, h.recorder.logs, 1)
	assert.False(t, h.recorder.logs[0].Refunded)
}

func TestGenerate_RefundFailure(t *testing.T) {
	h := newHarness(t, 100)
	h.coord.ledger = failingRefunds{Store: h.ledger}
	h.provider.err = &provider.Error{StatusCode: 500, Message: "internal"}

	_, err := h.coord.Generate(context.Background(), "u1", h.parse(t, flashBody))
	ce := asError(t, err)
	assert.Equal(t, KindInternal, ce.Kind)
	assert.False(t, ce.Refunded)
	assert.Equal(t, int64(94), h.balance(t))

	_, err = h.guard.Lookup(context.Background(), "u1", "req-1")
	assert.NoError(t, err, "record must stay so a retry is not charged twice")
}

func TestGenerate_SafetyBlockNotRefunded(t *testing.T) {
	h := newHarness(t, 100)
	h.provider.resp = &provider.Response{FinishReason: "SAFETY"}

	res, err := h.coord.Generate(context.Background(), "u1", h.parse(t, flashBody))
	require.NoError(t, err)
	assert.Empty(t, res.Images)
	assert.NotNil(t, res.Images)
	assert.Equal(t, "SAFETY", res.FinishReason)
	assert.Equal(t, int64(94), res.Balance)
	assert.Equal(t, int64(94), h.balance(t))
}

func TestGenerate_DuplicateRequestChargedOnce(t *testing.T) {
	h := newHarness(t, 100)
	h.provider.onCall = func(context.Context) { time.Sleep(20 * time.Millisecond) }
	req := h.parse(t, flashBody)

	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Generate(context.Background(), "u1", req)
			switch {
			case err == nil:
				ok.Add(1)
			case KindOf(err) == KindDuplicate:
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), dup.Load())
	assert.Equal(t, int32(1), h.provider.calls.Load())
	assert.Equal(t, int64(94), h.balance(t))
}

func TestGenerate_ConcurrentDistinctRequestsNeverOverdraw(t *testing.T) {
	h := newHarness(t, 30)

	var wg sync.WaitGroup
	var ok, refused atomic.Int32
	for i := 0; i < 10; i++ {
		req := h.parse(t, fmt.Sprintf(`{"requestId":"r-%d","model":"gemini-2.5-flash-image","instruction":"i","prompt":"p"}`, i))
		wg.Add(1)
		go func(req *Request) {
			defer wg.Done()
			_, err := h.coord.Generate(context.Background(), "u1", req)
			switch {
			case err == nil:
				ok.Add(1)
			case KindOf(err) == KindInsufficientCredits:
				refused.Add(1)
			}
		}(req)
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(5), refused.Load())
	assert.Equal(t, int64(0), h.balance(t))
}

func TestGenerate_RateLimited(t *testing.T) {
	h := newHarness(t, 1000)

	for i := 1; i <= 20; i++ {
		req := h.parse(t, fmt.Sprintf(`{"requestId":"r-%d","model":"gemini-2.5-flash-image","instruction":"i","prompt":"p"}`, i))
		_, err := h.coord.Generate(context.Background(), "u1", req)
		require.NoError(t, err, "request %d", i)
	}

	req := h.parse(t, `{"requestId":"r-21","model":"gemini-2.5-flash-image","instruction":"i","prompt":"p"}`)
	_, err := h.coord.Generate(context.Background(), "u1", req)
	ce := asError(t, err)
	assert.Equal(t, KindRateLimited, ce.Kind)
	assert.ErrorIs(t, err, ratelimit.ErrLimitExceeded)
	assert.Equal(t, 30*time.Second, ce.RetryAfter)
	assert.Equal(t, int64(1000-20*6), h.balance(t))
}

func TestGenerate_AccountNotFound(t *testing.T) {
	h := newHarness(t, 100)

	_, err := h.coord.Generate(context.Background(), "ghost", h.parse(t, flashBody))
	ce := asError(t, err)
	assert.Equal(t, KindAccountNotFound, ce.Kind)
	assert.Equal(t, http.StatusNotFound, ce.Kind.HTTPStatus())

	_, err = h.guard.Lookup(context.Background(), "ghost", "req-1")
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
}

func TestGenerate_Unauthorized(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.coord.Generate(context.Background(), "", h.parse(t, flashBody))
	assert.Equal(t, KindAuth, KindOf(err))
}

func TestParseRequest(t *testing.T) {
	h := newHarness(t, 100)

	req := h.parse(t, `{"model":" gemini-3-pro-image-preview ","imageSize":" 2k ","candidateCount":9,
		"instruction":"i","prompt":"p","generationConfig":null,"tools":[{"google_search":{}}]}`)
	assert.NotEmpty(t, req.RequestID, "missing requestId is generated")
	assert.Equal(t, "gemini-3-pro-image-preview", req.Model)
	assert.Equal(t, "2K", req.ImageSize)
	assert.Equal(t, 4, req.CandidateCount)
	assert.Equal(t, int64(72), req.Quote.Total)
	assert.Nil(t, req.GenerationConfig)
	assert.JSONEq(t, `[{"google_search":{}}]`, string(req.Tools))
}

func TestParseRequest_CandidateCountCoercion(t *testing.T) {
	h := newHarness(t, 100)

	cases := []struct {
		name  string
		count string
		want  int
	}{
		{"numeric string", `"2"`, 2},
		{"integral float", `2.0`, 2},
		{"fraction truncates", `3.7`, 3},
		{"padded string", `" 3 "`, 3},
		{"above range", `"12"`, 4},
		{"below range", `-2`, 1},
		{"zero", `0`, 1},
		{"null", `null`, 1},
		{"unparseable string", `"two"`, 1},
		{"empty string", `""`, 1},
		{"boolean true", `true`, 1},
		{"object", `{}`, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := h.parse(t, `{"model":"gemini-2.5-flash-image","instruction":"i","prompt":"p","candidateCount":`+tc.count+`}`)
			assert.Equal(t, tc.want, req.CandidateCount)
			assert.Equal(t, int64(6*tc.want), req.Quote.Total)
		})
	}
}

func TestParseRequest_Rejects(t *testing.T) {
	h := newHarness(t, 100)
	keysBefore := h.mr.Keys()

	cases := []struct {
		name string
		body string
		kind Kind
	}{
		{"bad json", `{"model":`, KindValidation},
		{"empty body", ``, KindValidation},
		{"missing model", `{"instruction":"i","prompt":"p"}`, KindValidation},
		{"missing prompt", `{"model":"gemini-2.5-flash-image","instruction":"i","prompt":"  "}`, KindValidation},
		{"missing instruction", `{"model":"gemini-2.5-flash-image","prompt":"p"}`, KindValidation},
		{"unsupported model", `{"model":"dall-e-3","instruction":"i","prompt":"p"}`, KindUnsupportedModel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.ParseRequest([]byte(tc.body))
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.Equal(t, http.StatusBadRequest, KindOf(err).HTTPStatus())
		})
	}

	assert.Equal(t, keysBefore, h.mr.Keys(), "validation must not touch the store")
	assert.Equal(t, int64(100), h.balance(t))
}
