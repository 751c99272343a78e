package userstatus

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"huaxuanbooks/pkg/domain"
	"huaxuanbooks/pkg/localstore"
	"huaxuanbooks/pkg/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedSession(t *testing.T, store localstore.Store, token string, user domain.UserProfile) {
	t.Helper()
	data, err := json.Marshal(user)
	if err != nil {
		t.Fatalf("encode profile: %v", err)
	}
	store.Set(localstore.KeyAuthToken, token)
	store.Set(localstore.KeyIsLoggedIn, "true")
	store.Set(localstore.KeyUserInfo, string(data))
	store.Set(localstore.KeyUsername, user.Username)
}

func TestCheckRequiresAllThreeSignals(t *testing.T) {
	cases := []struct {
		name  string
		setup func(s localstore.Store)
		want  bool
	}{
		{"empty store", func(s localstore.Store) {}, false},
		{"token only", func(s localstore.Store) {
			s.Set(localstore.KeyAuthToken, "tok")
		}, false},
		{"null token", func(s localstore.Store) {
			s.Set(localstore.KeyAuthToken, "null")
			s.Set(localstore.KeyIsLoggedIn, "true")
			s.Set(localstore.KeyUsername, "wang")
		}, false},
		{"missing flag", func(s localstore.Store) {
			s.Set(localstore.KeyAuthToken, "tok")
			s.Set(localstore.KeyUsername, "wang")
		}, false},
		{"flag not true", func(s localstore.Store) {
			s.Set(localstore.KeyAuthToken, "tok")
			s.Set(localstore.KeyIsLoggedIn, "1")
			s.Set(localstore.KeyUsername, "wang")
		}, false},
		{"no username anywhere", func(s localstore.Store) {
			s.Set(localstore.KeyAuthToken, "tok")
			s.Set(localstore.KeyIsLoggedIn, "true")
		}, false},
		{"username from stored field", func(s localstore.Store) {
			s.Set(localstore.KeyAuthToken, "tok")
			s.Set(localstore.KeyIsLoggedIn, "true")
			s.Set(localstore.KeyUsername, "wang")
		}, true},
		{"username from profile", func(s localstore.Store) {
			s.Set(localstore.KeyLegacyToken, "tok")
			s.Set(localstore.KeyIsLoggedIn, "true")
			s.Set(localstore.KeyUserInfo, `{"id":7,"username":"wang"}`)
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := localstore.NewMemoryStore()
			m := New(store, quietLogger())
			tc.setup(store)
			if got := m.Check(); got != tc.want {
				t.Fatalf("Check() = %v, want %v", got, tc.want)
			}
			if m.IsLoggedIn() != tc.want {
				t.Fatalf("IsLoggedIn() = %v, want %v", m.IsLoggedIn(), tc.want)
			}
		})
	}
}

func TestCorruptProfileClearsSession(t *testing.T) {
	store := localstore.NewMemoryStore()
	m := New(store, quietLogger())
	store.Set(localstore.KeyAuthToken, "tok")
	store.Set(localstore.KeyIsLoggedIn, "true")
	store.Set(localstore.KeyUserInfo, "{broken")

	if m.Check() {
		t.Fatalf("corrupt profile must not validate")
	}
	for _, key := range localstore.SessionKeys {
		if _, ok, _ := store.Get(key); ok {
			t.Fatalf("key %s should be cleared", key)
		}
	}
}

func TestTransitionsFireOnce(t *testing.T) {
	store := localstore.NewMemoryStore()
	m := New(store, quietLogger())

	var logins, logouts int
	m.OnLogin(func(User) { logins++ })
	m.OnLogout(func() { logouts++ })

	m.Login("tok", domain.UserProfile{ID: 7, Username: "wang", Email: "wang@example.com"})
	if logins != 1 {
		t.Fatalf("expected one login callback, got %d", logins)
	}
	// Re-checking an unchanged state is not a transition.
	m.Check()
	m.Check()
	if logins != 1 {
		t.Fatalf("re-check refired login callback: %d", logins)
	}

	user := m.CurrentUser()
	if user == nil || user.Username != "wang" || user.Token != "tok" {
		t.Fatalf("unexpected current user: %+v", user)
	}

	logoutsBefore := logouts
	m.Logout()
	if logouts != logoutsBefore+1 {
		t.Fatalf("expected one logout callback, got %d", logouts-logoutsBefore)
	}
	m.Check()
	if logouts != logoutsBefore+1 {
		t.Fatalf("re-check refired logout callback")
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	store := localstore.NewMemoryStore()
	m := New(store, quietLogger())

	var reached bool
	m.OnLogin(func(User) { panic("bad subscriber") })
	m.OnLogin(func(User) { reached = true })

	m.Login("tok", domain.UserProfile{ID: 1, Username: "wang"})
	if !reached {
		t.Fatalf("panicking callback must not block the next one")
	}
	if !m.IsLoggedIn() {
		t.Fatalf("state must survive a panicking callback")
	}
}

func TestStoreWritesFromElsewhereReconcile(t *testing.T) {
	store := localstore.NewMemoryStore()
	observer := New(store, quietLogger())

	var logins int
	observer.OnLogin(func(User) { logins++ })

	// Another component writes the session directly to the shared store;
	// the observer picks it up through change notifications alone.
	seedSession(t, store, "tok", domain.UserProfile{ID: 7, Username: "wang"})

	if !observer.IsLoggedIn() {
		t.Fatalf("observer should reconcile from store writes")
	}
	if logins == 0 {
		t.Fatalf("expected login callback from reconciliation")
	}

	store.Delete(localstore.SessionKeys...)
	if observer.IsLoggedIn() {
		t.Fatalf("observer should reconcile logout from store deletes")
	}
}

func TestRedisBackedStoreReconciles(t *testing.T) {
	mr := miniredis.RunT(t)
	store := localstore.NewRedisStore(mr.Addr(), "", "")
	t.Cleanup(func() { store.Close() })

	observer := New(store, quietLogger())
	var logins int
	observer.OnLogin(func(User) { logins++ })

	// The session is written through the shared store by another
	// component, not through this manager.
	if err := session.Save(store, "tok", domain.UserProfile{ID: 7, Username: "wang", Email: "wang@example.com"}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if !observer.IsLoggedIn() {
		t.Fatalf("redis-backed manager should reconcile from store writes")
	}
	if logins != 1 {
		t.Fatalf("expected one login callback, got %d", logins)
	}

	if err := session.Clear(store); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	if observer.IsLoggedIn() {
		t.Fatalf("redis-backed manager should reconcile logout")
	}
}
