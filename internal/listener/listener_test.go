package listener

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/tasgate/internal/model"
)

// syncBuffer は複数goroutineから書き込まれるログ用バッファ。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// --- モック ---

type mockAccounts struct {
	calls  atomic.Int32
	findFn func(call int) (*model.Account, error)
}

func (m *mockAccounts) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	n := int(m.calls.Add(1))
	return m.findFn(n)
}

type stubEndpoints struct{}

func (stubEndpoints) EventsURL(port int) string   { return "ws://bridge/events" }
func (stubEndpoints) Origin(port int) string      { return "http://bridge" }
func (stubEndpoints) BasicAuth() (string, string) { return "admin", "secret" }

type recv struct {
	data []byte
	err  error
}

type fakeConn struct {
	frames chan recv
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(items ...recv) *fakeConn {
	c := &fakeConn{frames: make(chan recv, len(items)), closed: make(chan struct{})}
	for _, it := range items {
		c.frames <- it
	}
	return c
}

func (c *fakeConn) Receive(idle time.Duration) ([]byte, error) {
	select {
	case r, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return r.data, r.err
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type mockDialer struct {
	calls  atomic.Int32
	dialFn func(call int, target Target) (Conn, error)
}

func (m *mockDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	n := int(m.calls.Add(1))
	return m.dialFn(n, target)
}

type mockSender struct {
	mu        sync.Mutex
	delivered []*Event
	urls      []string
	err       error
	notify    chan struct{}
}

func (m *mockSender) Deliver(ctx context.Context, url string, payload any) error {
	m.mu.Lock()
	m.delivered = append(m.delivered, payload.(*Event))
	m.urls = append(m.urls, url)
	m.mu.Unlock()
	if m.notify != nil {
		m.notify <- struct{}{}
	}
	return m.err
}

func withContainer(id int64) *model.Account {
	return &model.Account{
		ID:          id,
		SessionName: "session_a",
		WebhookURL:  "https://example.com/hook",
		Status:      model.StatusReady,
		Container:   &model.ContainerBinding{Name: "tas_1", Port: 9510, ID: "cid"},
	}
}

// newTestListener は待機時間を記録するだけで実際には眠らないListenerを返す。
func newTestListener(accounts AccountLoader, dialer Dialer, sender *mockSender, logs io.Writer) (*Listener, *[]time.Duration) {
	l := New(Config{IdleTimeout: time.Second, CheckInterval: time.Hour}, accounts, stubEndpoints{}, dialer, sender,
		slog.New(slog.NewJSONHandler(logs, nil)), nil)
	l.emptyDelay = time.Millisecond

	var mu sync.Mutex
	delays := []time.Duration{}
	l.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return l, &delays
}

func TestNewReconnectBackOff_Sequence(t *testing.T) {
	b := NewReconnectBackOff()
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Second {
			t.Errorf("試行%d の待機 = %v, want %v", i+1, got, w*time.Second)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Errorf("Reset 後の待機 = %v, want 1s", got)
	}
}

func TestListener_Run_BackoffOnDialFailure(t *testing.T) {
	accounts := &mockAccounts{findFn: func(call int) (*model.Account, error) {
		if call > 8 {
			acc := withContainer(1)
			acc.Container = nil
			return acc, nil
		}
		return withContainer(1), nil
	}}
	dialer := &mockDialer{dialFn: func(int, Target) (Conn, error) {
		return nil, errors.New("connection refused")
	}}

	l, delays := newTestListener(accounts, dialer, &mockSender{}, io.Discard)
	if err := l.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i := range want {
		want[i] *= time.Second
	}
	if !reflect.DeepEqual(*delays, want) {
		t.Errorf("待機時間 = %v, want %v", *delays, want)
	}
	if got := dialer.calls.Load(); got != 8 {
		t.Errorf("接続試行回数 = %d, want 8", got)
	}
}

func TestListener_Run_ResetsBackoffAfterConnect(t *testing.T) {
	accounts := &mockAccounts{findFn: func(call int) (*model.Account, error) {
		if call > 3 {
			return nil, nil
		}
		return withContainer(1), nil
	}}
	dialer := &mockDialer{dialFn: func(call int, target Target) (Conn, error) {
		if call <= 2 {
			return nil, errors.New("connection refused")
		}
		if target.Username != "admin" || target.Password != "secret" || target.URL != "ws://bridge/events" {
			t.Errorf("接続先 = %+v", target)
		}
		c := newFakeConn()
		close(c.frames)
		return c, nil
	}}

	l, delays := newTestListener(accounts, dialer, &mockSender{}, io.Discard)
	if err := l.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, time.Second}
	if !reflect.DeepEqual(*delays, want) {
		t.Errorf("待機時間 = %v, want %v", *delays, want)
	}
}

func TestListener_Run_ForwardsPrivateMessages(t *testing.T) {
	accounts := &mockAccounts{findFn: func(int) (*model.Account, error) { return withContainer(1), nil }}
	conn := newFakeConn(
		recv{data: []byte(`not json`)},
		recv{err: ErrIdle},
		recv{data: []byte{}},
		recv{data: []byte(`{"_":"updateNewMessage","message":{"id":1,"from_id":1,"peer_id":{"chat_id":2}}}`)},
		recv{data: []byte(`{"_":"updateUserStatus","user_id":5}`)},
		recv{data: []byte(`{"_":"updateNewMessage","message":{"id":2,"from_id":111,"peer_id":222,"message":"hi"}}`)},
	)
	dialer := &mockDialer{dialFn: func(int, Target) (Conn, error) { return conn, nil }}
	sender := &mockSender{notify: make(chan struct{}, 1), err: errors.New("webhook down")}

	var logs syncBuffer
	l, _ := newTestListener(accounts, dialer, sender, &logs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, 1) }()

	select {
	case <-sender.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("Webhookへの転送が行われなかった")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run がエラーを返した: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("キャンセル後に Run が終了しなかった")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.delivered) != 1 {
		t.Fatalf("転送件数 = %d, want 1", len(sender.delivered))
	}
	ev := sender.delivered[0]
	if ev.MessageID != 2 || ev.FromID != 111 || ev.PeerID != 222 || ev.Message != "hi" || ev.SessionName != "session_a" {
		t.Errorf("Event = %+v", ev)
	}
	if sender.urls[0] != "https://example.com/hook" {
		t.Errorf("転送先 = %s", sender.urls[0])
	}
	if dialer.calls.Load() != 1 {
		t.Errorf("配送失敗で再接続してはならない: 接続回数 = %d", dialer.calls.Load())
	}
	if !strings.Contains(logs.String(), "不正なJSONを受信しました") {
		t.Error("不正なJSONがログに記録されていない")
	}
}

func TestListener_Run_StopsWhenContainerRemoved(t *testing.T) {
	accounts := &mockAccounts{findFn: func(call int) (*model.Account, error) {
		acc := withContainer(1)
		if call >= 3 {
			acc.Container = nil
		}
		return acc, nil
	}}
	conn := newFakeConn()
	dialer := &mockDialer{dialFn: func(int, Target) (Conn, error) { return conn, nil }}

	l, delays := newTestListener(accounts, dialer, &mockSender{}, io.Discard)
	l.checkInterval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background(), 1) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run がエラーを返した: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("コンテナ削除後に Run が終了しなかった")
	}

	select {
	case <-conn.closed:
	default:
		t.Error("接続が閉じられていない")
	}
	if len(*delays) != 0 {
		t.Errorf("コンテナ削除時は再接続しないべき: 待機 = %v", *delays)
	}
}

func TestListener_Run_MissingAccount(t *testing.T) {
	accounts := &mockAccounts{findFn: func(int) (*model.Account, error) { return nil, nil }}
	dialer := &mockDialer{dialFn: func(int, Target) (Conn, error) {
		t.Error("アカウントが無い場合は接続しないべき")
		return nil, errors.New("unexpected")
	}}
	l, _ := newTestListener(accounts, dialer, &mockSender{}, io.Discard)
	if err := l.Run(context.Background(), 1); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestListener_Run_RetriesAfterLoadError(t *testing.T) {
	accounts := &mockAccounts{findFn: func(call int) (*model.Account, error) {
		switch {
		case call == 2:
			return nil, errors.New("db blip")
		case call >= 4:
			return nil, nil
		}
		return withContainer(1), nil
	}}
	dialer := &mockDialer{dialFn: func(int, Target) (Conn, error) {
		return nil, errors.New("connection refused")
	}}

	var logs syncBuffer
	l, delays := newTestListener(accounts, dialer, &mockSender{}, &logs)
	if err := l.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	if got := dialer.calls.Load(); got != 2 {
		t.Errorf("接続試行回数 = %d, want 2", got)
	}
	if got := accounts.calls.Load(); got != 4 {
		t.Errorf("アカウント取得回数 = %d, want 4", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if !reflect.DeepEqual(*delays, want) {
		t.Errorf("待機時間 = %v, want %v", *delays, want)
	}
	if !strings.Contains(logs.String(), "アカウントの取得に失敗しました") {
		t.Errorf("取得失敗がログに記録されていない: %s", logs.String())
	}
}

func TestListener_Run_LoadErrorStopsOnCancel(t *testing.T) {
	accounts := &mockAccounts{findFn: func(int) (*model.Account, error) { return nil, errors.New("db down") }}
	l, _ := newTestListener(accounts, &mockDialer{}, &mockSender{}, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	l.sleep = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}
	if err := l.Run(ctx, 1); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if got := accounts.calls.Load(); got != 1 {
		t.Errorf("アカウント取得回数 = %d, want 1", got)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("こんにちは世界", 5); got != "こんにちは" {
		t.Errorf("preview = %q", got)
	}
	if got := preview("abc", 5); got != "abc" {
		t.Errorf("preview = %q", got)
	}
}
