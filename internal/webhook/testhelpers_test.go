package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-webhooks/internal/collab"
	"github.com/noah-isme/toko-webhooks/internal/dedup"
	"github.com/noah-isme/toko-webhooks/internal/lock"
	"github.com/noah-isme/toko-webhooks/internal/order"
	"github.com/noah-isme/toko-webhooks/internal/proclog"
	"github.com/noah-isme/toko-webhooks/internal/resilience"
	"github.com/noah-isme/toko-webhooks/internal/subscription"
	"github.com/noah-isme/toko-webhooks/internal/webhook"
)

const testSecret = "whsec_test"

// --- orders ---

type memOrders struct {
	mu        sync.Mutex
	orders    map[string]order.Order
	getErrs   []error
	blockGet  bool
	completed int
}

func newMemOrders(orders ...order.Order) *memOrders {
	m := &memOrders{orders: make(map[string]order.Order)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *memOrders) Get(ctx context.Context, id string) (order.Order, error) {
	m.mu.Lock()
	if m.blockGet {
		m.mu.Unlock()
		<-ctx.Done()
		return order.Order{}, ctx.Err()
	}
	defer m.mu.Unlock()
	if len(m.getErrs) > 0 {
		err := m.getErrs[0]
		m.getErrs = m.getErrs[1:]
		if err != nil {
			return order.Order{}, err
		}
	}
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) transition(id string, fn func(*order.Order)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status.Terminal() {
		return false, nil
	}
	fn(&o)
	m.orders[id] = o
	return true, nil
}

func (m *memOrders) MarkCompleted(_ context.Context, id, ref string, at time.Time) (bool, error) {
	applied, err := m.transition(id, func(o *order.Order) {
		o.Status = order.StatusCompleted
		o.PaymentReference = ref
		o.CompletedAt = &at
		o.UpdatedAt = at
	})
	if applied {
		m.mu.Lock()
		m.completed++
		m.mu.Unlock()
	}
	return applied, err
}

func (m *memOrders) MarkExpired(_ context.Context, id string, at time.Time) (bool, error) {
	return m.transition(id, func(o *order.Order) {
		o.Status = order.StatusExpired
		o.UpdatedAt = at
	})
}

func (m *memOrders) MarkPaymentFailed(_ context.Context, id, reason string, at time.Time) (bool, error) {
	return m.transition(id, func(o *order.Order) {
		o.Status = order.StatusPaymentFailed
		o.FailureReason = reason
		o.UpdatedAt = at
	})
}

func (m *memOrders) AttachUser(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.UserID = userID
	m.orders[id] = o
	return nil
}

func (m *memOrders) get(id string) order.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memOrders) completions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// --- subscriptions ---

type memSubscriptions struct {
	mu   sync.Mutex
	subs map[string]subscription.Subscription
}

func newMemSubscriptions() *memSubscriptions {
	return &memSubscriptions{subs: make(map[string]subscription.Subscription)}
}

func (m *memSubscriptions) Get(_ context.Context, id string) (subscription.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	return s, nil
}

func (m *memSubscriptions) Upsert(_ context.Context, sub subscription.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.subs[sub.ID]; ok {
		if cur.Status.Terminal() || !cur.LastEventAt.Before(sub.LastEventAt) {
			return false, nil
		}
	}
	m.subs[sub.ID] = sub
	return true, nil
}

func (m *memSubscriptions) MarkPastDue(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.Status.Terminal() || !s.LastEventAt.Before(at) {
		return false, nil
	}
	s.Status = subscription.StatusPastDue
	s.LastEventAt = at
	m.subs[id] = s
	return true, nil
}

// --- processing log ---

type memLogs struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]proclog.Entry
}

func newMemLogs() *memLogs {
	return &memLogs{entries: make(map[int64]proclog.Entry)}
}

func (m *memLogs) hasSuccess(eventID string) bool {
	for _, e := range m.entries {
		if e.ProviderEventID == eventID && e.Status == proclog.StatusSuccess {
			return true
		}
	}
	return false
}

func (m *memLogs) Insert(_ context.Context, entry proclog.Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Status == proclog.StatusSuccess && m.hasSuccess(entry.ProviderEventID) {
		return 0, proclog.ErrDuplicateSuccess
	}
	m.nextID++
	entry.ID = m.nextID
	entry.CreatedAt = time.Now()
	m.entries[entry.ID] = entry
	return entry.ID, nil
}

func (m *memLogs) Finish(_ context.Context, id int64, status proclog.Status, reason string, detail proclog.Detail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != proclog.StatusStarted {
		return proclog.ErrNotFound
	}
	if status == proclog.StatusSuccess && m.hasSuccess(e.ProviderEventID) {
		return proclog.ErrDuplicateSuccess
	}
	merged := proclog.Detail{}
	for k, v := range e.Detail {
		merged[k] = v
	}
	for k, v := range detail {
		merged[k] = v
	}
	e.Status, e.Reason, e.Detail = status, reason, merged
	m.entries[id] = e
	return nil
}

func (m *memLogs) ListByEvent(_ context.Context, eventID string) ([]proclog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proclog.Entry, 0)
	for _, e := range m.entries {
		if e.ProviderEventID == eventID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memLogs) ListRecent(ctx context.Context, _ proclog.Filter) ([]proclog.Entry, error) {
	return nil, nil
}

func (m *memLogs) ExpireStarted(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memLogs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// --- archive ---

type memArchive struct {
	logs *memLogs
	// statuses holds the log row statuses of the event seen at each Put.
	statuses [][]proclog.Status
}

func (a *memArchive) Put(ctx context.Context, eventID, _ string, _ time.Time, _ []byte) (string, error) {
	entries, err := a.logs.ListByEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	seen := make([]proclog.Status, 0, len(entries))
	for _, e := range entries {
		seen = append(seen, e.Status)
	}
	a.statuses = append(a.statuses, seen)
	return "raw/" + eventID + ".json", nil
}

// --- collaborators ---

type fakeCollab struct {
	mu             sync.Mutex
	calls          map[string]int
	marketingDelay time.Duration
	marketingErr   error
	accountUserID  string
}

func newFakeCollab() *fakeCollab {
	return &fakeCollab{calls: make(map[string]int), accountUserID: "usr_7"}
}

func (f *fakeCollab) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeCollab) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeCollab) LinkAccount(context.Context, collab.LinkAccountRequest) (collab.Account, error) {
	f.hit("accounts")
	return collab.Account{UserID: f.accountUserID}, nil
}

func (f *fakeCollab) SendEvent(ctx context.Context, name string, _ map[string]any) error {
	f.hit("marketing")
	f.hit("marketing:" + name)
	if f.marketingDelay > 0 {
		select {
		case <-time.After(f.marketingDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.marketingErr
}

func (f *fakeCollab) CreateOrder(context.Context, collab.CommerceOrder) (string, error) {
	f.hit("commerce")
	return "remote_1", nil
}

func (f *fakeCollab) ComputeReward(_ context.Context, code string, amount int64) (collab.Reward, error) {
	f.hit("referrals")
	return collab.Reward{Code: code, AmountCents: amount / 10}, nil
}

func (f *fakeCollab) set() collab.Set {
	return collab.Set{Accounts: f, Marketing: f, Commerce: f, Referrals: f}
}

// --- monitor ---

type recordingMonitor struct {
	mu         sync.Mutex
	successes  map[string]int
	duplicates map[string]int
	failures   map[string]int
	steps      map[string]int
	logErrors  map[string]int
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{
		successes:  make(map[string]int),
		duplicates: make(map[string]int),
		failures:   make(map[string]int),
		steps:      make(map[string]int),
		logErrors:  make(map[string]int),
	}
}

func (r *recordingMonitor) Success(t string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes[t]++
}

func (r *recordingMonitor) Duplicate(t string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates[t]++
}

func (r *recordingMonitor) Failure(t, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[t+"/"+reason]++
}

func (r *recordingMonitor) Latency(string, time.Duration) {}

func (r *recordingMonitor) Step(step, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step+"/"+outcome]++
}

func (r *recordingMonitor) LoggerError(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logErrors[op]++
}

func (r *recordingMonitor) get(m map[string]int, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[key]
}

// --- fixture ---

type fixture struct {
	mr      *miniredis.Miniredis
	orders  *memOrders
	subs    *memSubscriptions
	logs    *memLogs
	dedup   dedup.RedisStore
	collab  *fakeCollab
	monitor *recordingMonitor
	handler webhook.HTTPHandler
	budgets webhook.Budgets
}

func newFixture(t *testing.T, orders ...order.Order) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		mr:      mr,
		orders:  newMemOrders(orders...),
		subs:    newMemSubscriptions(),
		logs:    newMemLogs(),
		dedup:   dedup.RedisStore{Client: client},
		collab:  newFakeCollab(),
		monitor: newRecordingMonitor(),
		budgets: webhook.Budgets{
			Fetch:     time.Second,
			Mutation:  time.Second,
			Account:   time.Second,
			Marketing: 100 * time.Millisecond,
			Commerce:  time.Second,
			Referral:  time.Second,
		},
	}
	f.build(client)
	return f
}

func (f *fixture) build(client *redis.Client) {
	router := webhook.NewRouter(proclog.NewLogger(f.logs, time.Second))
	handlers := &webhook.Handlers{
		Orders:        f.orders,
		Subscriptions: f.subs,
		Collab:        f.collab.set(),
		Budgets:       f.budgets,
	}
	handlers.Register(router)
	pipeline := &webhook.Pipeline{
		Verifier: webhook.HMACVerifier{Secret: testSecret, Tolerance: 5 * time.Minute},
		Guard: dedup.Guard{
			Store:   f.dedup,
			Locker:  lock.Locker{Client: client, RetryBackoff: 5 * time.Millisecond},
			LockTTL: 5 * time.Second,
		},
		Router: router,
		Retry: resilience.Policy{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			Multiplier: 2,
		},
	}
	f.handler = webhook.HTTPHandler{
		Pipeline:     pipeline,
		Monitor:      f.monitor,
		MaxBodyBytes: 1 << 20,
		Deadline:     10 * time.Second,
	}
}

func (f *fixture) deliver(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	ts := time.Now().Unix()
	return f.deliverSigned(t, body, webhook.SignHMAC(testSecret, ts, body), ts)
}

func (f *fixture) deliverSigned(t *testing.T, body []byte, sig string, ts int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, sig)
	req.Header.Set(webhook.TimestampHeader, strconv.FormatInt(ts, 10))
	rr := httptest.NewRecorder()
	f.handler.Receive(rr, req)
	return rr
}

func eventBody(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	return eventBodyAt(t, id, eventType, time.Now().Unix(), object)
}

func eventBodyAt(t *testing.T, id, eventType string, created int64, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":       id,
		"type":     eventType,
		"created":  created,
		"livemode": false,
		"data":     map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func checkoutObject(orderID string) map[string]any {
	return map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"metadata":       map[string]any{"order_id": orderID},
		"customer_email": "buyer@example.com",
		"amount_total":   4200,
		"currency":       "usd",
		"payment_intent": "pi_1",
	}
}

func pendingOrder(id string) order.Order {
	return order.Order{
		ID:          id,
		Status:      order.StatusPending,
		Email:       "buyer@example.com",
		AmountCents: 4200,
		Currency:    "usd",
	}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}
