package adapters

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaypoint/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)      {}
func (nopLogger) Error(string, ...any)     {}
func (nopLogger) Warn(string, ...any)      {}
func (nopLogger) With(...any) types.Logger { return nopLogger{} }

// fakeDirectory serves fixed addresses.
type fakeDirectory struct {
	email    string
	phone    string
	endpoint string
	webhook  string
	err      error
}

func (d *fakeDirectory) EmailAddress(context.Context, string, string) (string, error) {
	return d.email, d.err
}
func (d *fakeDirectory) PhoneNumber(context.Context, string, string) (string, error) {
	return d.phone, d.err
}
func (d *fakeDirectory) DeviceEndpoint(context.Context, string, string) (string, error) {
	return d.endpoint, d.err
}
func (d *fakeDirectory) ChatWebhook(context.Context, string) (string, error) {
	return d.webhook, d.err
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-msg-1")}, nil
}

type fakeDBTX struct {
	sql  string
	args []any
	err  error
}

func (f *fakeDBTX) Exec(_ context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = arguments
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDBTX) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (f *fakeDBTX) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }

func payload() types.DeliveryPayload {
	return types.DeliveryPayload{
		NotificationID: "ntf_1",
		TenantID:       "t1",
		Recipient:      "u1",
		Title:          "Payment failed",
		Summary:        "The charge was declined.",
		Priority:       types.PriorityP1,
		Category:       types.CategoryBilling,
		Channel:        types.ChannelEmail,
	}
}

// --- in-app ---

func TestInAppAdapter_Deliver(t *testing.T) {
	dbtx := &fakeDBTX{}
	a := NewInAppAdapter(dbtx)

	res, err := a.Deliver(context.Background(), payload())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ProviderMessageID, "feed_"))
	assert.Contains(t, dbtx.sql, "in_app_feed")
	assert.Equal(t, "ntf_1", dbtx.args[1])
	assert.Equal(t, "u1", dbtx.args[3])
}

func TestInAppAdapter_DBError(t *testing.T) {
	dbtx := &fakeDBTX{err: errors.New("connection refused")}
	a := NewInAppAdapter(dbtx)

	_, err := a.Deliver(context.Background(), payload())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamAdapter, appErr.Code)
}

// --- email ---

func TestEmailAdapter_Deliver(t *testing.T) {
	api := &fakeSES{}
	a := NewEmailAdapter(api, &fakeDirectory{email: "u1@example.com"}, "alerts@relaypoint.io", nopLogger{})

	res, err := a.Deliver(context.Background(), payload())
	require.NoError(t, err)
	assert.Equal(t, "ses-msg-1", res.ProviderMessageID)
	require.NotNil(t, api.input)
	assert.Equal(t, "alerts@relaypoint.io", aws.ToString(api.input.Source))
	assert.Equal(t, []string{"u1@example.com"}, api.input.Destination.ToAddresses)
	assert.Equal(t, "Payment failed", aws.ToString(api.input.Message.Subject.Data))
}

func TestEmailAdapter_NoAddress(t *testing.T) {
	a := NewEmailAdapter(&fakeSES{}, &fakeDirectory{}, "alerts@relaypoint.io", nopLogger{})

	_, err := a.Deliver(context.Background(), payload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no email address")
}

func TestEmailAdapter_ProviderError(t *testing.T) {
	api := &fakeSES{err: errors.New("throttled")}
	a := NewEmailAdapter(api, &fakeDirectory{email: "u1@example.com"}, "alerts@relaypoint.io", nopLogger{})

	_, err := a.Deliver(context.Background(), payload())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamAdapter, appErr.Code)
}

// --- sms / push ---

func TestSMSAdapter_Deliver(t *testing.T) {
	api := &fakeSNS{}
	a := NewSMSAdapter(api, &fakeDirectory{phone: "+15550001111"}, nopLogger{})

	res, err := a.Deliver(context.Background(), payload())
	require.NoError(t, err)
	assert.Equal(t, "sns-msg-1", res.ProviderMessageID)
	assert.Equal(t, "+15550001111", aws.ToString(api.input.PhoneNumber))
	assert.Equal(t, "Payment failed", aws.ToString(api.input.Message))
}

func TestSMSAdapter_TruncatesLongText(t *testing.T) {
	api := &fakeSNS{}
	a := NewSMSAdapter(api, &fakeDirectory{phone: "+15550001111"}, nopLogger{})

	p := payload()
	p.Title = strings.Repeat("x", 300)
	_, err := a.Deliver(context.Background(), p)
	require.NoError(t, err)

	sent := aws.ToString(api.input.Message)
	assert.Len(t, sent, 160)
	assert.True(t, strings.HasSuffix(sent, "..."))
}

func TestSMSAdapter_TruncationKeepsRunesIntact(t *testing.T) {
	api := &fakeSNS{}
	a := NewSMSAdapter(api, &fakeDirectory{phone: "+15550001111"}, nopLogger{})

	// 200 two-byte runes: the 160-byte cap falls mid-rune, so the cut has
	// to back up to a rune boundary instead of emitting a broken sequence.
	p := payload()
	p.Title = strings.Repeat("é", 200)
	_, err := a.Deliver(context.Background(), p)
	require.NoError(t, err)

	sent := aws.ToString(api.input.Message)
	assert.True(t, utf8.ValidString(sent), "sent text is not valid UTF-8")
	assert.LessOrEqual(t, len(sent), 160)
	assert.True(t, strings.HasSuffix(sent, "..."))
}

func TestPushAdapter_Deliver(t *testing.T) {
	api := &fakeSNS{}
	a := NewPushAdapter(api, &fakeDirectory{endpoint: "arn:aws:sns:us-east-1:1:endpoint/x"}, nopLogger{})

	res, err := a.Deliver(context.Background(), payload())
	require.NoError(t, err)
	assert.Equal(t, "sns-msg-1", res.ProviderMessageID)
	assert.Equal(t, "arn:aws:sns:us-east-1:1:endpoint/x", aws.ToString(api.input.TargetArn))
}

func TestPushAdapter_NoDevice(t *testing.T) {
	a := NewPushAdapter(&fakeSNS{}, &fakeDirectory{}, nopLogger{})

	_, err := a.Deliver(context.Background(), payload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no registered device")
}

// --- chat ---

func newTestClient(name string) *BaseClient {
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		name,
		RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
		"relaypoint-test/1.0",
		WithSleepFunc(func(time.Duration) {}),
	)
}

func TestChatAdapter_Deliver(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(string(buf))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewChatAdapter(newTestClient("chat-ok"), &fakeDirectory{webhook: srv.URL}, nopLogger{})
	_, err := a.Deliver(context.Background(), payload())
	require.NoError(t, err)

	body, _ := gotBody.Load().(string)
	assert.Contains(t, body, `"notification_id":"ntf_1"`)
	assert.Contains(t, body, `"priority":"P1"`)
}

func TestChatAdapter_SignsWhenConfigured(t *testing.T) {
	var gotHeader, gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(buf)
		gotHeader.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewChatAdapter(newTestClient("chat-signed"), &fakeDirectory{webhook: srv.URL}, nopLogger{},
		WithChatSigning(SigningConfig{Secret: "hook-secret"}))
	_, err := a.Deliver(context.Background(), payload())
	require.NoError(t, err)

	header, _ := gotHeader.Load().(string)
	body, _ := gotBody.Load().([]byte)
	require.NotEmpty(t, header)
	assert.True(t, VerifyPayload(body, header, "hook-secret", ""))
}

func TestChatAdapter_UnsignedByDefault(t *testing.T) {
	var gotHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewChatAdapter(newTestClient("chat-unsigned"), &fakeDirectory{webhook: srv.URL}, nopLogger{})
	_, err := a.Deliver(context.Background(), payload())
	require.NoError(t, err)

	header, _ := gotHeader.Load().(string)
	assert.Empty(t, header)
}

func TestChatAdapter_RetriesOn500(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewChatAdapter(newTestClient("chat-retry"), &fakeDirectory{webhook: srv.URL}, nopLogger{})
	_, err := a.Deliver(context.Background(), payload())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatAdapter_ClientErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewChatAdapter(newTestClient("chat-400"), &fakeDirectory{webhook: srv.URL}, nopLogger{})
	_, err := a.Deliver(context.Background(), payload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestChatAdapter_NoWebhook(t *testing.T) {
	a := NewChatAdapter(newTestClient("chat-none"), &fakeDirectory{}, nopLogger{})

	_, err := a.Deliver(context.Background(), payload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chat webhook")
}

// --- registry ---

func TestRegistry(t *testing.T) {
	r := NewRegistry().
		Register(NewInAppAdapter(&fakeDBTX{})).
		Register(NewSMSAdapter(&fakeSNS{}, &fakeDirectory{}, nopLogger{}))

	m := r.Map()
	require.Len(t, m, 2)
	assert.Equal(t, types.ChannelInApp, m[types.ChannelInApp].Type())
	assert.Equal(t, types.ChannelSMS, m[types.ChannelSMS].Type())
}
