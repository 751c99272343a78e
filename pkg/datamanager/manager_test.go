package datamanager

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"huaxuanbooks/pkg/apiclient"
	"huaxuanbooks/pkg/cache"
	"huaxuanbooks/pkg/domain"
	"huaxuanbooks/pkg/localstore"
)

type fixture struct {
	manager *Manager
	store   *localstore.MemoryStore
	cache   *cache.Cache
	api     *apiclient.Client
}

// newFixture wires a manager against the given handler with a single
// attempt per call so request counters in tests stay exact.
func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := localstore.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api, err := apiclient.New(apiclient.Config{
		BaseURL: srv.URL,
		Store:   store,
		Retry: apiclient.RetryPolicy{
			MaxAttempts: 1,
			Backoff:     func(int) time.Duration { return 0 },
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new api client: %v", err)
	}
	c := cache.New()
	m, err := New(Config{API: api, Cache: c, Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return &fixture{manager: m, store: store, cache: c, api: api}
}

func ok(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	if data == "" {
		w.Write([]byte(`{"success":true}`))
		return
	}
	w.Write([]byte(`{"success":true,"data":` + data + `}`))
}

func TestLoginPersistsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /user/login", func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"token":"tok-1","user":{"id":7,"username":"wang","email":"wang@example.com"}}`)
	})
	f := newFixture(t, mux)

	user, err := f.manager.Login(context.Background(), "wang@example.com", "secret", true)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != 7 || user.Username != "wang" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if !f.manager.LoggedIn() {
		t.Fatalf("expected logged in")
	}
	for _, key := range []string{localstore.KeyAuthToken, localstore.KeyLegacyToken} {
		if v, present, _ := f.store.Get(key); !present || v != "tok-1" {
			t.Fatalf("key %s: got %q %v", key, v, present)
		}
	}
	if v, present, _ := f.store.Get(localstore.KeyIsLoggedIn); !present || v != "true" {
		t.Fatalf("login flag: got %q %v", v, present)
	}
	if _, present := f.cache.Get(cache.KeyUserInfo); !present {
		t.Fatalf("expected profile cached")
	}
}

func TestLogoutClearsLocalStateDespiteServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	f := newFixture(t, mux)
	f.api.SetToken("tok-1")
	f.store.Set(localstore.KeyAuthToken, "tok-1")
	f.store.Set(localstore.KeyIsLoggedIn, "true")
	f.cache.Set(cache.KeyUserInfo, domain.UserProfile{ID: 1})

	f.manager.Logout(context.Background())

	if f.manager.LoggedIn() {
		t.Fatalf("expected logged out")
	}
	for _, key := range localstore.SessionKeys {
		if _, present, _ := f.store.Get(key); present {
			t.Fatalf("key %s should be cleared", key)
		}
	}
	if f.cache.Len() != 0 {
		t.Fatalf("expected cache cleared, %d entries remain", f.cache.Len())
	}
}

func TestCartEnrichmentTiers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /order/cart", func(w http.ResponseWriter, r *http.Request) {
		ok(w, `[
			{"id":11,"bookId":1,"quantity":2,"book":{"id":1,"title":"Go in Action","author":"Kennedy","currentPrice":59.99}},
			{"id":12,"book_id":2,"quantity":1,"book_title":"Clean Code","book_author":"Martin","price":45.00},
			{"id":13,"bookId":3,"quantity":1},
			{"id":14,"bookId":9,"quantity":3}
		]`)
	})
	mux.HandleFunc("GET /book/", func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"books":[{"id":3,"title":"SICP","author":"Abelson","currentPrice":39.99}],"pagination":{"page":1,"total":1}}`)
	})
	mux.HandleFunc("GET /book/9", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success":false,"error":"not found"}`, http.StatusNotFound)
	})
	f := newFixture(t, mux)

	items, err := f.manager.Cart(context.Background(), true)
	if err != nil {
		t.Fatalf("cart: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}

	// Tier 1: nested book object.
	if items[0].Title != "Go in Action" || items[0].UnitPrice != 59.99 || items[0].Quantity != 2 {
		t.Fatalf("nested-book tier: %+v", items[0])
	}
	// Tier 2: flat line fields, snake_case variants included.
	if items[1].Title != "Clean Code" || items[1].Author != "Martin" || items[1].UnitPrice != 45.00 {
		t.Fatalf("flat-fields tier: %+v", items[1])
	}
	// Tier 3: bare id resolved from the cached catalog.
	if items[2].Title != "SICP" || items[2].UnitPrice != 39.99 {
		t.Fatalf("catalog tier: %+v", items[2])
	}
	// Last resort: static price table, placeholder title, unknown author.
	if items[3].UnitPrice != 32.00 || items[3].Title != "Book #9" || items[3].Author != "Unknown author" {
		t.Fatalf("price-table tier: %+v", items[3])
	}
	if items[3].Subtotal() != 96.00 {
		t.Fatalf("subtotal: %v", items[3].Subtotal())
	}
}

func TestCartStaleFallback(t *testing.T) {
	var failing atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /order/cart", func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		ok(w, `[{"id":1,"bookId":2,"quantity":1,"title":"Clean Code","author":"Martin","currentPrice":45.00}]`)
	})
	f := newFixture(t, mux)

	first, err := f.manager.Cart(context.Background(), true)
	if err != nil || len(first) != 1 {
		t.Fatalf("seed cart: %v %v", first, err)
	}

	failing.Store(true)
	stale, err := f.manager.Cart(context.Background(), true)
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if len(stale) != 1 || stale[0].Title != "Clean Code" {
		t.Fatalf("unexpected stale cart: %+v", stale)
	}
}

func TestCartPersistedFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /order/cart", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	f := newFixture(t, mux)

	persisted, _ := json.Marshal([]domain.CartItem{{BookID: 5, Title: "Refactoring", UnitPrice: 29.99, Quantity: 1}})
	f.store.Set(localstore.KeyCartFallback, string(persisted))

	items, err := f.manager.Cart(context.Background(), true)
	if err != nil {
		t.Fatalf("expected persisted fallback, got error: %v", err)
	}
	if len(items) != 1 || items[0].Title != "Refactoring" {
		t.Fatalf("unexpected cart: %+v", items)
	}
}

func TestUpdateCartItemQuantityFloor(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		ok(w, "")
	}))

	if err := f.manager.UpdateCartItem(context.Background(), 11, 0); err != nil {
		t.Fatalf("quantity floor must be a silent no-op: %v", err)
	}
	if err := f.manager.UpdateCartItem(context.Background(), 11, -3); err != nil {
		t.Fatalf("quantity floor must be a silent no-op: %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("no request may be issued below the floor, got %d", got)
	}
}

func TestAddToCartRefreshesAndNotifies(t *testing.T) {
	var added atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /order/cart/add", func(w http.ResponseWriter, r *http.Request) {
		added.Store(true)
		ok(w, "")
	})
	mux.HandleFunc("GET /order/cart", func(w http.ResponseWriter, r *http.Request) {
		if !added.Load() {
			ok(w, `[]`)
			return
		}
		ok(w, `[{"id":1,"bookId":2,"quantity":1,"title":"Clean Code","author":"Martin","currentPrice":45.00}]`)
	})
	f := newFixture(t, mux)

	var snapshots []domain.CartSnapshot
	f.manager.OnCartChange(func(s domain.CartSnapshot) { snapshots = append(snapshots, s) })

	if err := f.manager.AddToCart(context.Background(), 2, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	v, present := f.cache.Get(cache.KeyCart)
	if !present {
		t.Fatalf("expected cart cached after add")
	}
	items := v.([]domain.CartItem)
	if len(items) != 1 || items[0].BookID != 2 {
		t.Fatalf("unexpected cached cart: %+v", items)
	}
	if len(snapshots) != 1 || snapshots[0].TotalItems != 1 {
		t.Fatalf("expected one snapshot with one item, got %+v", snapshots)
	}
}

func TestRecordViewPrivacyGate(t *testing.T) {
	var posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /user/browsing-history", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		ok(w, "")
	})
	f := newFixture(t, mux)

	// Tracking explicitly disabled: the write is skipped, not an error.
	f.cache.Set(cache.KeyPreferences, domain.Preferences{
		Privacy: &domain.PrivacyPreferences{TrackBrowsing: false},
	})
	if err := f.manager.RecordView(context.Background(), 3, 60, "direct"); err != nil {
		t.Fatalf("gated record view: %v", err)
	}
	if got := posts.Load(); got != 0 {
		t.Fatalf("disabled tracking must not write, got %d posts", got)
	}

	// No privacy block at all means the user never chose: record.
	f.cache.Set(cache.KeyPreferences, domain.Preferences{})
	if err := f.manager.RecordView(context.Background(), 3, 60, "direct"); err != nil {
		t.Fatalf("record view: %v", err)
	}
	if got := posts.Load(); got != 1 {
		t.Fatalf("expected one recorded view, got %d", got)
	}
}

func TestBooksReadThrough(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /book/", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		ok(w, `{"books":[{"id":1,"title":"Go in Action","currentPrice":59.99}],"pagination":{"page":1,"total":1}}`)
	})
	f := newFixture(t, mux)

	if _, err := f.manager.Books(context.Background(), nil, false); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, err := f.manager.Books(context.Background(), nil, false); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("cached read must not hit the server, got %d calls", got)
	}
	if _, err := f.manager.Books(context.Background(), nil, true); err != nil {
		t.Fatalf("forced read: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("forced read must hit the server, got %d calls", got)
	}
}

func TestProfileFallsBackToSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/profile", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	f := newFixture(t, mux)
	f.api.SetToken("tok-1")
	snapshot, _ := json.Marshal(domain.UserProfile{ID: 7, Username: "wang", Email: "wang@example.com"})
	f.store.Set(localstore.KeyUserInfo, string(snapshot))

	user, err := f.manager.Profile(context.Background(), true)
	if err != nil {
		t.Fatalf("expected snapshot fallback, got error: %v", err)
	}
	if user == nil || user.Username != "wang" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestProfileNilWhenLoggedOut(t *testing.T) {
	f := newFixture(t, http.NewServeMux())
	user, err := f.manager.Profile(context.Background(), false)
	if err != nil {
		t.Fatalf("logged-out profile must not error: %v", err)
	}
	if user != nil {
		t.Fatalf("expected nil profile, got %+v", user)
	}
}

func TestRefreshAllToleratesPartialFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/profile", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /user/preferences", func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"privacy":{"trackBrowsing":true}}`)
	})
	mux.HandleFunc("GET /order/cart", func(w http.ResponseWriter, r *http.Request) {
		ok(w, `[]`)
	})
	mux.HandleFunc("GET /book/categories", func(w http.ResponseWriter, r *http.Request) {
		ok(w, `["fiction","science"]`)
	})
	f := newFixture(t, mux)
	f.api.SetToken("tok-1")

	f.manager.RefreshAll(context.Background())

	if _, present := f.cache.Get(cache.KeyPreferences); !present {
		t.Fatalf("preferences should refresh despite profile failure")
	}
	if _, present := f.cache.Get(cache.KeyCategories); !present {
		t.Fatalf("categories should refresh despite profile failure")
	}
	if _, present := f.cache.Get(cache.KeyCart); !present {
		t.Fatalf("cart should refresh despite profile failure")
	}
}

func TestForcedPreferenceReadsCoalesce(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/preferences", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(150 * time.Millisecond)
		ok(w, `{"privacy":{"trackBrowsing":true}}`)
	})
	f := newFixture(t, mux)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.Preferences(context.Background(), true); err != nil {
				t.Errorf("forced read: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := calls.Load(); got != 1 {
		t.Fatalf("coinciding forced reads must share one fetch, got %d", got)
	}
}

func TestOfflineSuppressesRefresh(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		ok(w, `[]`)
	}))
	f.api.SetToken("tok-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.manager.Run(ctx)
	}()

	f.manager.HandleOffline()
	f.manager.TriggerRefresh()
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("offline client must not refresh, got %d calls", got)
	}

	f.manager.HandleOnline()
	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("reconnect did not trigger a refresh")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run loop did not stop on cancel")
	}
}

func TestTriggerRefreshWakesRunLoop(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		ok(w, `[]`)
	}))
	f.api.SetToken("tok-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.manager.Run(ctx)
	}()

	f.manager.TriggerRefresh()
	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("run loop never refreshed after trigger")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run loop did not stop on cancel")
	}
}

func TestRefreshAllSkipsWhenLoggedOut(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		ok(w, "")
	}))

	f.manager.RefreshAll(context.Background())
	if got := calls.Load(); got != 0 {
		t.Fatalf("logged-out refresh must be silent, got %d calls", got)
	}
}
