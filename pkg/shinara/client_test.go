package shinara

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/shinara-go/pkg/device"
	"github.com/atinyakov/shinara-go/pkg/gateway"
	"github.com/atinyakov/shinara-go/pkg/models"
	"github.com/atinyakov/shinara-go/pkg/storage"
)

// fakeGateway records calls and delegates to optional funcs.
type fakeGateway struct {
	ValidateKeyFunc       func(ctx context.Context) (*models.KeyValidationResponse, error)
	ValidateCodeFunc      func(ctx context.Context, code string) (*models.CodeValidationResponse, error)
	TrackSessionFunc      func(ctx context.Context, s models.TrackingSession) error
	AppOpenFunc           func(ctx context.Context, req models.AppOpenRequest) error
	RegisterUserFunc      func(ctx context.Context, req models.UserRegistrationRequest) error
	AttributePurchaseFunc func(ctx context.Context, req models.PurchaseRequest) error

	mu        sync.Mutex
	sessions  []models.TrackingSession
	appOpens  []models.AppOpenRequest
	users     []models.UserRegistrationRequest
	purchases []models.PurchaseRequest
	codes     []string
}

func (f *fakeGateway) ValidateKey(ctx context.Context) (*models.KeyValidationResponse, error) {
	if f.ValidateKeyFunc != nil {
		return f.ValidateKeyFunc(ctx)
	}
	return &models.KeyValidationResponse{AppID: "app"}, nil
}

func (f *fakeGateway) ValidateCode(ctx context.Context, code string) (*models.CodeValidationResponse, error) {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	if f.ValidateCodeFunc != nil {
		return f.ValidateCodeFunc(ctx, code)
	}
	return &models.CodeValidationResponse{ProgramID: "prog-1", CodeID: "code-id-1"}, nil
}

func (f *fakeGateway) TrackSession(ctx context.Context, s models.TrackingSession) error {
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	if f.TrackSessionFunc != nil {
		return f.TrackSessionFunc(ctx, s)
	}
	return nil
}

func (f *fakeGateway) AppOpen(ctx context.Context, req models.AppOpenRequest) error {
	f.mu.Lock()
	f.appOpens = append(f.appOpens, req)
	f.mu.Unlock()
	if f.AppOpenFunc != nil {
		return f.AppOpenFunc(ctx, req)
	}
	return nil
}

func (f *fakeGateway) RegisterUser(ctx context.Context, req models.UserRegistrationRequest) error {
	f.mu.Lock()
	f.users = append(f.users, req)
	f.mu.Unlock()
	if f.RegisterUserFunc != nil {
		return f.RegisterUserFunc(ctx, req)
	}
	return nil
}

func (f *fakeGateway) AttributePurchase(ctx context.Context, req models.PurchaseRequest) error {
	f.mu.Lock()
	f.purchases = append(f.purchases, req)
	f.mu.Unlock()
	if f.AttributePurchaseFunc != nil {
		return f.AttributePurchaseFunc(ctx, req)
	}
	return nil
}

func (f *fakeGateway) counts() (sessions, appOpens, users, purchases, codes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions), len(f.appOpens), len(f.users), len(f.purchases), len(f.codes)
}

var testDevice = device.Static{
	UserAgent:        "Go test",
	Model:            "linux/amd64",
	OSVersion:        "linux 6.1",
	ScreenResolution: "1080x2400",
	Timezone:         "UTC",
	Language:         "en",
}

type fixture struct {
	client *Client
	gw     *fakeGateway
	creds  *gateway.Credentials
	store  *storage.Store
}

func newFixture(t *testing.T, gw *fakeGateway) *fixture {
	t.Helper()
	var n atomic.Int32
	creds := &gateway.Credentials{}
	store := storage.NewStore(storage.NewMemoryKV())
	c := New(gw, creds, store,
		WithDevice(testDevice),
		WithIDGenerator(func() string {
			return "anon-" + string(rune('0'+n.Add(1)))
		}),
	)
	t.Cleanup(c.Close)
	return &fixture{client: c, gw: gw, creds: creds, store: store}
}

func (f *fixture) withReferral(t *testing.T, ref storage.Referral) {
	t.Helper()
	require.NoError(t, f.store.SaveReferral(context.Background(), ref))
}

func TestInitialize_EmptyKey(t *testing.T) {
	f := newFixture(t, &fakeGateway{})
	err := f.client.Initialize(context.Background(), "")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestInitialize_KeyValidationFailureAborts(t *testing.T) {
	gw := &fakeGateway{
		ValidateKeyFunc: func(context.Context) (*models.KeyValidationResponse, error) {
			return nil, &gateway.StatusError{Endpoint: gateway.PathValidateKey, StatusCode: 401}
		},
	}
	f := newFixture(t, gw)

	err := f.client.Initialize(context.Background(), "bad-key")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	var se *gateway.StatusError
	assert.ErrorAs(t, err, &se)

	sessions, _, _, _, _ := gw.counts()
	assert.Zero(t, sessions, "setup must not run after failed key validation")
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestInitialize_MalformedValidationIsProtocolError(t *testing.T) {
	for _, body := range []string{"", "not-json", "{}", "null", `{"track_retention":true}`} {
		t.Run(body, func(t *testing.T) {
			creds := &gateway.Credentials{}
			gw := gateway.New(creds, gateway.WithHTTPClient(&http.Client{
				Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       io.NopCloser(strings.NewReader(body)),
						Header:     make(http.Header),
					}, nil
				}),
			}))
			store := storage.NewStore(storage.NewMemoryKV())
			c := New(gw, creds, store, WithDevice(testDevice))
			t.Cleanup(c.Close)

			err := c.Initialize(context.Background(), "key")
			assert.ErrorIs(t, err, ErrProtocol)

			done, err := store.SetupCompleted(context.Background())
			require.NoError(t, err)
			assert.False(t, done, "setup must not run after a malformed validation")
		})
	}
}

func TestInitialize_ReportsSessionOnce(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	f := newFixture(t, gw)

	require.NoError(t, f.client.Initialize(ctx, "key"))
	require.NoError(t, f.client.Initialize(ctx, "key"))

	sessions, _, _, _, _ := gw.counts()
	assert.Equal(t, 1, sessions)

	done, err := f.store.SetupCompleted(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	s := gw.sessions[0]
	assert.Equal(t, "anon-1", s.SessionID)
	assert.Equal(t, "1080x2400", s.ScreenResolution)
	assert.Equal(t, "en", s.Language)

	auto, ok, err := f.client.AutoUserID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "anon-1", auto, "session id and anonymous id are the same value")
}

func TestInitialize_SetupFailureIsSwallowedAndRetried(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	gw := &fakeGateway{
		TrackSessionFunc: func(context.Context, models.TrackingSession) error {
			if fail.Load() {
				return errors.New("offline")
			}
			return nil
		},
	}
	f := newFixture(t, gw)

	require.NoError(t, f.client.Initialize(ctx, "key"))
	done, err := f.store.SetupCompleted(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	fail.Store(false)
	require.NoError(t, f.client.Initialize(ctx, "key"))
	done, err = f.store.SetupCompleted(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	require.Len(t, gw.sessions, 2)
	assert.Equal(t, gw.sessions[0].SessionID, gw.sessions[1].SessionID, "retry must reuse the anonymous id")
}

func TestInitialize_ConcurrentFlakySetupCompletesOnce(t *testing.T) {
	ctx := context.Background()
	var attempts, successes atomic.Int32
	gw := &fakeGateway{
		TrackSessionFunc: func(context.Context, models.TrackingSession) error {
			if attempts.Add(1) <= 3 {
				return errors.New("flaky")
			}
			successes.Add(1)
			return nil
		},
	}
	f := newFixture(t, gw)

	for round := 0; round < 10; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, f.client.Initialize(ctx, "key"))
			}()
		}
		wg.Wait()
	}

	assert.Equal(t, int32(1), successes.Load())
	done, err := f.store.SetupCompleted(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestInitialize_AppOpenFollowsTrackRetention(t *testing.T) {
	yes, no := true, false
	cases := []struct {
		name      string
		retention *bool
		codeID    string
		want      int
	}{
		{"retention on with code id", &yes, "cid", 1},
		{"retention off", &no, "cid", 0},
		{"retention unset", nil, "cid", 0},
		{"retention on without code id", &yes, "", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{
				ValidateKeyFunc: func(context.Context) (*models.KeyValidationResponse, error) {
					return &models.KeyValidationResponse{AppID: "app", TrackRetention: tc.retention}, nil
				},
			}
			f := newFixture(t, gw)
			f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p", CodeID: tc.codeID})

			require.NoError(t, f.client.Initialize(context.Background(), "key"))
			f.client.Wait()

			_, appOpens, _, _, _ := gw.counts()
			assert.Equal(t, tc.want, appOpens)
			if tc.want == 1 {
				assert.Equal(t, "cid", gw.appOpens[0].CodeID)
				assert.Equal(t, "anon-1", gw.appOpens[0].AutoGeneratedUserID)
				assert.Empty(t, gw.appOpens[0].ExternalUserID)
			}
		})
	}
}

func TestTriggerAppOpen_FailureIsNotSurfaced(t *testing.T) {
	gw := &fakeGateway{
		AppOpenFunc: func(context.Context, models.AppOpenRequest) error {
			return errors.New("network down")
		},
	}
	f := newFixture(t, gw)
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p", CodeID: "cid"})

	task := f.client.TriggerAppOpen(context.Background())
	require.NotNil(t, task)
	assert.Error(t, task.Wait(context.Background()))
}

func TestValidateReferralCode(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	f := newFixture(t, gw)

	programID, err := f.client.ValidateReferralCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "prog-1", programID)

	code, ok, err := f.client.ReferralCode(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ABC123", code)

	pid, ok, err := f.client.ProgramID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "prog-1", pid)

	cid, ok, err := f.client.ReferralCodeID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "code-id-1", cid)
}

func TestValidateReferralCode_Errors(t *testing.T) {
	cases := []struct {
		name    string
		resp    *models.CodeValidationResponse
		err     error
		wantErr error
	}{
		{"missing campaign id", &models.CodeValidationResponse{CodeID: "c"}, nil, ErrInvalidServerData},
		{"rejected", nil, &gateway.StatusError{Endpoint: gateway.PathValidateCode, StatusCode: 404}, ErrCodeValidation},
		{"malformed", nil, gateway.ErrMalformedBody, ErrProtocol},
		{"no key", nil, gateway.ErrNoAPIKey, ErrConfig},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			gw := &fakeGateway{
				ValidateCodeFunc: func(context.Context, string) (*models.CodeValidationResponse, error) {
					return tc.resp, tc.err
				},
			}
			f := newFixture(t, gw)
			f.withReferral(t, storage.Referral{Code: "OLD", ProgramID: "old-p", CodeID: "old-c"})

			_, err := f.client.ValidateReferralCode(ctx, "NEW")
			assert.ErrorIs(t, err, tc.wantErr)

			code, _, _ := f.client.ReferralCode(ctx)
			assert.Equal(t, "OLD", code, "failed validation must keep the previous record")
		})
	}
}

func TestHandleDeepLink(t *testing.T) {
	release := make(chan struct{})
	gw := &fakeGateway{
		ValidateCodeFunc: func(ctx context.Context, code string) (*models.CodeValidationResponse, error) {
			<-release
			return &models.CodeValidationResponse{ProgramID: "prog-1"}, nil
		},
	}
	f := newFixture(t, gw)

	task := f.client.HandleDeepLink("myapp://open?shinara_ref_code=ABC123")
	require.NotNil(t, task)

	select {
	case <-task.Done():
		t.Fatal("HandleDeepLink waited for validation")
	default:
	}

	close(release)
	require.NoError(t, task.Wait(context.Background()))

	_, _, _, _, codes := gw.counts()
	assert.Equal(t, 1, codes)
	assert.Equal(t, []string{"ABC123"}, gw.codes)

	code, ok, err := f.client.ReferralCode(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ABC123", code)
}

func TestHandleDeepLink_NoCode(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)

	for _, link := range []string{
		"myapp://open",
		"myapp://open?other=1",
		"myapp://open?shinara_ref_code=",
		"://bad url",
	} {
		assert.Nil(t, f.client.HandleDeepLink(link), link)
	}
	f.client.Wait()

	_, _, _, _, codes := gw.counts()
	assert.Zero(t, codes)
}

func TestHandleDeepLink_ErrorsAreAbsorbed(t *testing.T) {
	gw := &fakeGateway{
		ValidateCodeFunc: func(context.Context, string) (*models.CodeValidationResponse, error) {
			return nil, errors.New("offline")
		},
	}
	f := newFixture(t, gw)

	task := f.client.HandleDeepLink("https://example.com/?shinara_ref_code=X")
	require.NotNil(t, task)
	assert.ErrorIs(t, task.Wait(context.Background()), ErrCodeValidation)

	_, ok, err := f.client.ReferralCode(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterUser_RequiresKey(t *testing.T) {
	f := newFixture(t, &fakeGateway{})
	err := f.client.RegisterUser(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRegisterUser_NoReferralCode(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)
	f.creds.Set("key")

	err := f.client.RegisterUser(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNoReferralCode)

	_, _, users, _, _ := gw.counts()
	assert.Zero(t, users)
}

func TestRegisterUser_Dedup(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	f := newFixture(t, gw)
	f.creds.Set("key")
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p", CodeID: "cid"})

	require.NoError(t, f.client.RegisterUser(ctx, "u1", WithEmail("u1@example.com"), WithName("U One"), WithPhone("+100")))
	require.NoError(t, f.client.RegisterUser(ctx, "u1"))

	_, _, users, _, _ := gw.counts()
	require.Equal(t, 1, users)

	req := gw.users[0]
	assert.Equal(t, "ABC", req.Code)
	assert.Equal(t, "", req.Platform)
	assert.Equal(t, "cid", req.CodeID)
	assert.Equal(t, models.ConversionUser{
		ExternalUserID: "u1",
		Email:          "u1@example.com",
		Name:           "U One",
		Phone:          "+100",
	}, req.ConversionUser)
}

func TestRegisterUser_ConcurrentSameID(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	gw := &fakeGateway{
		RegisterUserFunc: func(context.Context, models.UserRegistrationRequest) error {
			<-gate
			return nil
		},
	}
	f := newFixture(t, gw)
	f.creds.Set("key")
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.client.RegisterUser(ctx, "u1"))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	_, _, users, _, _ := gw.counts()
	assert.Equal(t, 1, users)
}

func TestRegisterUser_FailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		RegisterUserFunc: func(context.Context, models.UserRegistrationRequest) error {
			return &gateway.StatusError{Endpoint: gateway.PathNewUser, StatusCode: 500}
		},
	}
	f := newFixture(t, gw)
	f.creds.Set("key")
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p"})
	_, _, err := f.store.EnsureAutoUserID(ctx, func() string { return "anon-x" })
	require.NoError(t, err)

	err = f.client.RegisterUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrRegistration)

	_, ok, _ := f.client.UserID(ctx)
	assert.False(t, ok)
	auto, ok, _ := f.client.AutoUserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "anon-x", auto)
	registered, _ := f.store.IsUserRegistered(ctx, "u1")
	assert.False(t, registered)

	// The caller may retry.
	gw.RegisterUserFunc = nil
	require.NoError(t, f.client.RegisterUser(ctx, "u1"))
	_, _, users, _, _ := gw.counts()
	assert.Equal(t, 2, users)
}

func TestRegisterUser_SupersedesAnonymousID(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	f := newFixture(t, gw)
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p", CodeID: "cid"})
	require.NoError(t, f.client.Initialize(ctx, "key"))

	require.NoError(t, f.client.RegisterUser(ctx, "u1"))
	assert.Equal(t, "anon-1", gw.users[0].ConversionUser.AutoGeneratedUserID)

	_, ok, err := f.client.AutoUserID(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "anonymous id must be cleared")
	uid, ok, err := f.client.UserID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", uid)

	require.NoError(t, f.client.AttributePurchase(ctx, "prod", "t1", "tok"))
	require.Len(t, gw.purchases, 1)
	assert.Equal(t, "u1", gw.purchases[0].ExternalUserID)
	assert.Empty(t, gw.purchases[0].AutoGeneratedUserID)

	task := f.client.TriggerAppOpen(ctx)
	require.NotNil(t, task)
	require.NoError(t, task.Wait(ctx))
	assert.Equal(t, "u1", gw.appOpens[len(gw.appOpens)-1].ExternalUserID)
	assert.Empty(t, gw.appOpens[len(gw.appOpens)-1].AutoGeneratedUserID)
}

func TestAttributePurchase_NoKeyOrReferralIsNoop(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	f := newFixture(t, gw)

	require.NoError(t, f.client.AttributePurchase(ctx, "p", "t1", "tok"))

	f.creds.Set("key")
	require.NoError(t, f.client.AttributePurchase(ctx, "p", "t1", "tok"))

	_, _, _, purchases, _ := gw.counts()
	assert.Zero(t, purchases)
	processed, err := f.store.IsTransactionProcessed(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestAttributePurchase_Dedup(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	f := newFixture(t, gw)
	f.creds.Set("key")
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p", CodeID: "cid"})

	require.NoError(t, f.client.AttributePurchase(ctx, "prod", "t1", "tok"))
	require.NoError(t, f.client.AttributePurchase(ctx, "prod", "t1", "tok"))

	_, _, _, purchases, _ := gw.counts()
	require.Equal(t, 1, purchases)

	txs, err := f.store.ProcessedTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, txs)

	req := gw.purchases[0]
	assert.Equal(t, models.PurchaseRequest{
		ProductID:           "prod",
		TransactionID:       "t1",
		Code:                "ABC",
		Platform:            "",
		Token:               "tok",
		CodeID:              "cid",
		AutoGeneratedUserID: "anon-1",
	}, req)
}

func TestAttributePurchase_ReusesSingleAnonymousID(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	f := newFixture(t, gw)
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p"})
	require.NoError(t, f.client.Initialize(ctx, "key"))

	require.NoError(t, f.client.AttributePurchase(ctx, "prod", "t1", ""))
	require.NoError(t, f.client.AttributePurchase(ctx, "prod", "t2", ""))

	require.Len(t, gw.purchases, 2)
	assert.Equal(t, gw.sessions[0].SessionID, gw.purchases[0].AutoGeneratedUserID)
	assert.Equal(t, gw.sessions[0].SessionID, gw.purchases[1].AutoGeneratedUserID)
}

func TestAttributePurchase_FailureAllowsRetry(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	gw := &fakeGateway{
		AttributePurchaseFunc: func(context.Context, models.PurchaseRequest) error {
			if fail.Load() {
				return &gateway.StatusError{Endpoint: gateway.PathInAppPurchase, StatusCode: 502}
			}
			return nil
		},
	}
	f := newFixture(t, gw)
	f.creds.Set("key")
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p"})

	err := f.client.AttributePurchase(ctx, "prod", "t1", "tok")
	assert.ErrorIs(t, err, ErrAttribution)
	processed, _ := f.store.IsTransactionProcessed(ctx, "t1")
	assert.False(t, processed)

	fail.Store(false)
	require.NoError(t, f.client.AttributePurchase(ctx, "prod", "t1", "tok"))
	processed, _ = f.store.IsTransactionProcessed(ctx, "t1")
	assert.True(t, processed)
}

func TestAttributePurchase_ConcurrentSameTransaction(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	gw := &fakeGateway{
		AttributePurchaseFunc: func(context.Context, models.PurchaseRequest) error {
			<-gate
			return nil
		},
	}
	f := newFixture(t, gw)
	f.creds.Set("key")
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.client.AttributePurchase(ctx, "prod", "t1", "tok"))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	_, _, _, purchases, _ := gw.counts()
	assert.Equal(t, 1, purchases)
}

// pausingKV blocks the first read of the confirmed user id after it is
// armed, until resume is closed.
type pausingKV struct {
	storage.KV
	armed  atomic.Bool
	paused chan struct{}
	resume chan struct{}
}

func (p *pausingKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := p.KV.Get(ctx, key)
	if key == storage.KeyExternalUserID && p.armed.CompareAndSwap(true, false) {
		close(p.paused)
		<-p.resume
	}
	return v, ok, err
}

func TestRegisterUserDuringPurchaseKeepsOneIdentity(t *testing.T) {
	ctx := context.Background()
	kv := &pausingKV{
		KV:     storage.NewMemoryKV(),
		paused: make(chan struct{}),
		resume: make(chan struct{}),
	}
	store := storage.NewStore(kv)
	gw := &fakeGateway{}
	creds := gateway.NewCredentials("key")
	var minted atomic.Int32
	c := New(gw, creds, store, WithDevice(testDevice), WithIDGenerator(func() string {
		minted.Add(1)
		return "anon-late"
	}))
	t.Cleanup(c.Close)

	require.NoError(t, store.SaveReferral(ctx, storage.Referral{Code: "ABC", ProgramID: "p", CodeID: "cid"}))
	_, _, err := store.EnsureAutoUserID(ctx, func() string { return "anon-setup" })
	require.NoError(t, err)
	kv.armed.Store(true)

	purchaseErr := make(chan error, 1)
	go func() { purchaseErr <- c.AttributePurchase(ctx, "prod", "t1", "") }()
	<-kv.paused

	registerErr := make(chan error, 1)
	go func() { registerErr <- c.RegisterUser(ctx, "u1") }()
	time.Sleep(50 * time.Millisecond)
	close(kv.resume)

	require.NoError(t, <-purchaseErr)
	require.NoError(t, <-registerErr)

	assert.Zero(t, minted.Load(), "no second anonymous id may be minted")
	uid, ok, err := store.UserID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", uid)
	_, hasAuto, err := store.AutoUserID(ctx)
	require.NoError(t, err)
	assert.False(t, hasAuto, "confirmed id must supersede the anonymous id")

	require.Len(t, gw.purchases, 1)
	p := gw.purchases[0]
	switch {
	case p.ExternalUserID != "":
		assert.Equal(t, "u1", p.ExternalUserID)
		assert.Empty(t, p.AutoGeneratedUserID)
	default:
		assert.Equal(t, "anon-setup", p.AutoGeneratedUserID)
	}
}

func TestAttributePurchase_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	var sentCtxErr atomic.Value
	gw := &fakeGateway{
		AttributePurchaseFunc: func(ctx context.Context, _ models.PurchaseRequest) error {
			close(started)
			<-gate
			sentCtxErr.Store(fmt.Sprint(ctx.Err()))
			return nil
		},
	}
	f := newFixture(t, gw)
	f.creds.Set("key")
	f.withReferral(t, storage.Referral{Code: "ABC", ProgramID: "p"})

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- f.client.AttributePurchase(firstCtx, "prod", "t1", "") }()
	<-started

	second := make(chan error, 1)
	go func() { second <- f.client.AttributePurchase(context.Background(), "prod", "t1", "") }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(gate)
	require.NoError(t, <-second)
	assert.Equal(t, "<nil>", sentCtxErr.Load())

	_, _, _, purchases, _ := gw.counts()
	assert.Equal(t, 1, purchases)
	processed, err := f.store.IsTransactionProcessed(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestReferralCodeFromURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"myapp://open?shinara_ref_code=ABC123", "ABC123"},
		{"https://example.com/path?a=1&shinara_ref_code=X%20Y", "X Y"},
		{"myapp://open", ""},
	}
	for _, tc := range cases {
		got, err := ReferralCodeFromURL(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
