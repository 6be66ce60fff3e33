package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func persist(t *testing.T, storage *memStorage, creds Credentials) {
	t.Helper()
	if err := NewCredentialStore(storage).Save(context.Background(), creds); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}
}

func TestInitSingleFlight(t *testing.T) {
	client := newFakeClient()
	storage := newMemStorage()
	persist(t, storage, testCredentials())

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	client.resumeHook = func() {
		once.Do(func() { close(started) })
		<-release
	}
	svc := newTestService(t, client, storage, &recordingNotifier{})

	results := make(chan bool, 2)
	go func() { results <- svc.Init(context.Background()) }()
	<-started
	go func() { results <- svc.Init(context.Background()) }()
	time.Sleep(100 * time.Millisecond)
	close(release)

	first, second := <-results, <-results
	if first != second {
		t.Fatalf("concurrent init results differ: %v vs %v", first, second)
	}
	if !first {
		t.Fatalf("expected init to succeed")
	}
	if got := client.resumes.Load(); got != 1 {
		t.Fatalf("expected exactly one resume, got %d", got)
	}
	if got := client.lockCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one login sequence, got %d lock lookups", got)
	}
}

func TestInitFreshWorkerWithoutSession(t *testing.T) {
	client := newFakeClient()
	svc := newTestService(t, client, newMemStorage(), &recordingNotifier{})

	if svc.Init(context.Background()) {
		t.Fatalf("expected init to report no session")
	}
	if svc.Status() != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", svc.Status())
	}
	if calls := client.networkCalls(); calls != 0 {
		t.Fatalf("expected no network calls, got %d", calls)
	}
}

func TestInitResumesPersistedSession(t *testing.T) {
	client := newFakeClient()
	client.resume = RemoteSession{SessionID: "uid-1", AccessToken: "access-2", RefreshToken: "refresh-2"}
	storage := newMemStorage()
	persist(t, storage, testCredentials())
	svc := newTestService(t, client, storage, &recordingNotifier{})

	if !svc.Init(context.Background()) {
		t.Fatalf("expected init to succeed")
	}
	if svc.Status() != StatusAuthorized {
		t.Fatalf("expected authorized, got %s", svc.Status())
	}
	if active := client.active.Load(); active != 1 {
		t.Fatalf("expected one active subscription, got %d", active)
	}
	stored, err := NewCredentialStore(storage).Load(context.Background())
	if err != nil || stored == nil {
		t.Fatalf("expected rotated credentials persisted, got %v / %v", stored, err)
	}
	if stored.AccessToken != "access-2" || stored.RefreshToken != "refresh-2" {
		t.Fatalf("rotated tokens not persisted: %+v", stored)
	}
	if configured := client.configuredCreds(); configured == nil || configured.AccessToken != "access-2" {
		t.Fatalf("transport not configured with rotated tokens: %+v", configured)
	}
}

func TestInitReusesInMemorySession(t *testing.T) {
	client := newFakeClient()
	svc := newTestService(t, client, newMemStorage(), &recordingNotifier{})
	if ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()}); !ok || err != nil {
		t.Fatalf("login: %v %v", ok, err)
	}

	if !svc.Init(context.Background()) {
		t.Fatalf("expected init to reuse in-memory session")
	}
	if client.resumes.Load() != 0 {
		t.Fatalf("expected no resume when a session is in memory")
	}
	if active := client.active.Load(); active != 1 {
		t.Fatalf("expected one active subscription, got %d", active)
	}
}

func TestInitResumeFailureEndsUnauthorized(t *testing.T) {
	client := newFakeClient()
	client.resumeErr = errNetwork
	storage := newMemStorage()
	persist(t, storage, testCredentials())
	notifier := &recordingNotifier{}
	svc := newTestService(t, client, storage, notifier)

	if svc.Init(context.Background()) {
		t.Fatalf("expected init to fail")
	}
	if svc.Status() != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", svc.Status())
	}
	if storage.len() == 0 {
		t.Fatalf("network failure must keep persisted credentials for a later retry")
	}
	if len(notifier.kinds(NotifyError)) != 1 {
		t.Fatalf("expected one error notification, got %+v", notifier.all())
	}
}

func TestResumeSessionInactiveDiscardsPersisted(t *testing.T) {
	client := newFakeClient()
	client.resumeErr = &apiError{code: "InactiveSession", target: ErrInactiveSession}
	storage := newMemStorage()
	persist(t, storage, testCredentials())
	svc := newTestService(t, client, storage, &recordingNotifier{})

	ok, err := svc.ResumeSession(context.Background())
	if ok || err == nil {
		t.Fatalf("expected resume failure, got %v %v", ok, err)
	}
	if !IsUserError(err) {
		t.Fatalf("expected sanitized error, got %T", err)
	}
	if svc.Status() != StatusResumingFailed {
		t.Fatalf("expected resuming_failed, got %s", svc.Status())
	}
	if storage.len() != 0 {
		t.Fatalf("expected inactive session to be discarded")
	}
	if client.configuredCreds() != nil {
		t.Fatalf("expected transport cleared after failed resume")
	}
}

func TestLoginThenLogoutClearsEverything(t *testing.T) {
	client := newFakeClient()
	storage := newMemStorage()
	unauthorized := 0
	svc, err := New(Options{Client: client, Storage: storage, OnUnauthorized: func() { unauthorized++ }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()})
	if !ok || err != nil {
		t.Fatalf("login: %v %v", ok, err)
	}
	if storage.len() != 4 {
		t.Fatalf("expected four slots persisted, got %d", storage.len())
	}

	svc.Logout(context.Background())
	if svc.Status() != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", svc.Status())
	}
	if storage.len() != 0 {
		t.Fatalf("expected persisted credentials cleared")
	}
	if client.configuredCreds() != nil {
		t.Fatalf("expected transport cleared")
	}
	if client.active.Load() != 0 {
		t.Fatalf("expected no active subscription")
	}
	if svc.SessionID() != "" {
		t.Fatalf("expected in-memory identity cleared")
	}
	if unauthorized != 1 {
		t.Fatalf("expected OnUnauthorized once, got %d", unauthorized)
	}
}

func TestLoginWithLockedHintSkipsLockLookup(t *testing.T) {
	client := newFakeClient()
	svc := newTestService(t, client, newMemStorage(), &recordingNotifier{})

	ok, err := svc.Login(context.Background(), LoginOptions{
		Credentials: testCredentials(),
		LockHint:    &Lock{Status: LockLocked},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected false for a locked session")
	}
	if client.lockCalls.Load() != 0 {
		t.Fatalf("expected no lock status call")
	}
	if svc.Status() != StatusLocked {
		t.Fatalf("expected locked, got %s", svc.Status())
	}
	if client.active.Load() != 0 {
		t.Fatalf("locked login must not subscribe")
	}
}

func TestRepeatedLoginKeepsSingleSubscription(t *testing.T) {
	client := newFakeClient()
	authorized := 0
	svc, err := New(Options{Client: client, Storage: newMemStorage(), OnAuthorized: func() { authorized++ }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 3; i++ {
		if ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()}); !ok || err != nil {
			t.Fatalf("login #%d: %v %v", i, ok, err)
		}
	}
	if active := client.active.Load(); active != 1 {
		t.Fatalf("expected one active subscription, got %d", active)
	}
	if authorized != 3 {
		t.Fatalf("expected OnAuthorized per login, got %d", authorized)
	}
}

func TestLoginFailureIsSanitized(t *testing.T) {
	client := newFakeClient()
	client.lockErr = errors.New("internal: upstream 502 from 10.0.0.7")
	notifier := &recordingNotifier{}
	svc := newTestService(t, client, newMemStorage(), notifier)

	ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()})
	if ok || err == nil {
		t.Fatalf("expected login failure")
	}
	if strings.Contains(err.Error(), "10.0.0.7") {
		t.Fatalf("internal details leaked: %q", err.Error())
	}
	if svc.Status() != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", svc.Status())
	}
	if client.configuredCreds() != nil {
		t.Fatalf("expected transport cleared after failed login")
	}
	errs := notifier.kinds(NotifyError)
	if len(errs) != 1 || strings.Contains(errs[0].Message, "10.0.0.7") {
		t.Fatalf("unexpected error notifications: %+v", errs)
	}
}

func TestLoginLockedSessionErrorMeansLocked(t *testing.T) {
	client := newFakeClient()
	client.lockErr = &apiError{code: "LockedSession", target: ErrLockedSession}
	svc := newTestService(t, client, newMemStorage(), &recordingNotifier{})

	ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()})
	if ok || err != nil {
		t.Fatalf("expected locked login, got %v %v", ok, err)
	}
	if svc.Status() != StatusLocked || svc.CurrentLock().Status != LockLocked {
		t.Fatalf("expected locked state, got %s / %s", svc.Status(), svc.CurrentLock().Status)
	}
}

func TestConsumeForkSuccess(t *testing.T) {
	client := newFakeClient()
	client.fork = RemoteSession{SessionID: "uid-f", AccessToken: "access-f", RefreshToken: "refresh-f"}
	client.welcome = &Welcome{DisplayName: "Ada"}
	notifier := &recordingNotifier{}
	storage := newMemStorage()
	svc := newTestService(t, client, storage, notifier)

	welcome, err := svc.ConsumeFork(context.Background(), ForkPayload{ForkCode: "code", DerivedKey: []byte("key")})
	if err != nil {
		t.Fatalf("consume fork: %v", err)
	}
	if welcome.Message != "Signed in as Ada." {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	if svc.Status() != StatusAuthorized {
		t.Fatalf("expected authorized, got %s", svc.Status())
	}
	if svc.SessionID() != "uid-f" {
		t.Fatalf("expected forked session in memory, got %q", svc.SessionID())
	}
	if storage.len() != 4 {
		t.Fatalf("expected forked credentials persisted")
	}
	if len(notifier.kinds(NotifyInfo)) != 1 {
		t.Fatalf("expected welcome notification")
	}
}

func TestConsumeForkExpiredLeavesStorageUntouched(t *testing.T) {
	client := newFakeClient()
	client.forkErr = &apiError{code: "ForkExpired", target: ErrForkExpired}
	storage := newMemStorage()
	notifier := &recordingNotifier{}
	svc := newTestService(t, client, storage, notifier)

	_, err := svc.ConsumeFork(context.Background(), ForkPayload{ForkCode: "stale", DerivedKey: []byte("key")})
	var userErr *UserError
	if !errors.As(err, &userErr) {
		t.Fatalf("expected UserError, got %v", err)
	}
	if userErr.Title != "Sign-in link expired" {
		t.Fatalf("unexpected title %q", userErr.Title)
	}
	if storage.sets != 0 || storage.removes != 0 {
		t.Fatalf("expired fork mutated storage: sets=%d removes=%d", storage.sets, storage.removes)
	}
	if svc.Status() != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", svc.Status())
	}
	if len(notifier.kinds(NotifyError)) != 1 {
		t.Fatalf("expected one error notification")
	}
}

func TestConsumeForkHandshakeLockedSessionIsSwallowed(t *testing.T) {
	client := newFakeClient()
	client.fork = RemoteSession{SessionID: "uid-f", AccessToken: "access-f", RefreshToken: "refresh-f"}
	client.welcomeErr = &apiError{code: "LockedSession", target: ErrLockedSession}
	svc := newTestService(t, client, newMemStorage(), &recordingNotifier{})

	welcome, err := svc.ConsumeFork(context.Background(), ForkPayload{ForkCode: "code", DerivedKey: []byte("key")})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if welcome == nil || welcome.Title == "" {
		t.Fatalf("expected welcome payload, got %+v", welcome)
	}
}

func TestConsumeForkUsesLockHintFromFork(t *testing.T) {
	client := newFakeClient()
	client.fork = RemoteSession{
		SessionID: "uid-f", AccessToken: "access-f", RefreshToken: "refresh-f",
		Lock: &Lock{Status: LockLocked, TTL: time.Minute},
	}
	client.welcomeErr = &apiError{code: "LockedSession", target: ErrLockedSession}
	svc := newTestService(t, client, newMemStorage(), &recordingNotifier{})

	if _, err := svc.ConsumeFork(context.Background(), ForkPayload{ForkCode: "code", DerivedKey: []byte("key")}); err != nil {
		t.Fatalf("consume fork: %v", err)
	}
	if client.lockCalls.Load() != 0 {
		t.Fatalf("expected lock hint to skip the lock lookup")
	}
	if svc.Status() != StatusLocked {
		t.Fatalf("expected locked, got %s", svc.Status())
	}
}

func TestConsumeForkHandshakeFailureKeepsLogin(t *testing.T) {
	client := newFakeClient()
	client.fork = RemoteSession{SessionID: "uid-f", AccessToken: "access-f", RefreshToken: "refresh-f"}
	client.welcomeErr = errNetwork
	svc := newTestService(t, client, newMemStorage(), &recordingNotifier{})

	_, err := svc.ConsumeFork(context.Background(), ForkPayload{ForkCode: "code", DerivedKey: []byte("key")})
	if !IsUserError(err) {
		t.Fatalf("expected sanitized handshake error, got %v", err)
	}
	if svc.Status() != StatusAuthorized {
		t.Fatalf("handshake failure must not undo login, got %s", svc.Status())
	}
}

func TestConsumeForkLoginFailureRollsBack(t *testing.T) {
	client := newFakeClient()
	client.fork = RemoteSession{SessionID: "uid-f", AccessToken: "access-f", RefreshToken: "refresh-f"}
	client.subErr = errNetwork
	storage := newMemStorage()
	svc := newTestService(t, client, storage, &recordingNotifier{})

	if _, err := svc.ConsumeFork(context.Background(), ForkPayload{ForkCode: "code", DerivedKey: []byte("key")}); err == nil {
		t.Fatalf("expected failure")
	}
	if svc.Status() != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", svc.Status())
	}
	if storage.len() != 0 {
		t.Fatalf("expected forked credentials discarded")
	}
	if client.configuredCreds() != nil {
		t.Fatalf("expected transport cleared")
	}
	if client.handshakes.Load() != 0 {
		t.Fatalf("handshake must not run after failed login")
	}
}

func TestLockFlipsStatusBeforeClearBroadcast(t *testing.T) {
	client := newFakeClient()
	var svc *Service
	var mu sync.Mutex
	var order []string
	clearStatus := Status("")
	notifier := NotifierFunc(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		switch n.Kind {
		case NotifyStatus:
			order = append(order, "status:"+string(n.Status))
		case NotifyClearState:
			order = append(order, "clear")
			clearStatus = svc.Status()
		}
	})
	var err error
	svc, err = New(Options{Client: client, Storage: newMemStorage(), Notifier: notifier})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if ok, errLogin := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()}); !ok || errLogin != nil {
		t.Fatalf("login: %v %v", ok, errLogin)
	}
	mu.Lock()
	order = nil
	mu.Unlock()

	svc.Lock(context.Background())

	if svc.Status() != StatusLocked {
		t.Fatalf("expected locked, got %s", svc.Status())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "status:locked" || order[1] != "clear" {
		t.Fatalf("unexpected notification order: %v", order)
	}
	if clearStatus != StatusLocked {
		t.Fatalf("clear broadcast observed status %s", clearStatus)
	}
}

func TestLockTwiceBroadcastsOnce(t *testing.T) {
	client := newFakeClient()
	notifier := &recordingNotifier{}
	svc := newTestService(t, client, newMemStorage(), notifier)
	if ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()}); !ok || err != nil {
		t.Fatalf("login: %v %v", ok, err)
	}

	svc.Lock(context.Background())
	svc.Lock(context.Background())

	if got := len(notifier.kinds(NotifyClearState)); got != 1 {
		t.Fatalf("expected one clear broadcast, got %d", got)
	}
}

func TestLockWithoutSessionLeavesGateUntouched(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := newTestService(t, newFakeClient(), newMemStorage(), notifier)
	before := svc.CurrentLock()

	svc.Lock(context.Background())

	if svc.Status() != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", svc.Status())
	}
	if got := svc.CurrentLock(); got != before {
		t.Fatalf("lock gate changed without a session: %+v -> %+v", before, got)
	}
	if len(notifier.all()) != 0 {
		t.Fatalf("expected no notifications, got %+v", notifier.all())
	}
}

func TestUnlockClearsGateButStaysLocked(t *testing.T) {
	svc := newTestService(t, newFakeClient(), newMemStorage(), &recordingNotifier{})
	if ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()}); !ok || err != nil {
		t.Fatalf("login: %v %v", ok, err)
	}
	svc.Lock(context.Background())

	svc.Unlock(context.Background())

	if svc.CurrentLock().Status != LockRegistered {
		t.Fatalf("expected registered gate, got %s", svc.CurrentLock().Status)
	}
	if svc.Status() != StatusLocked {
		t.Fatalf("unlock alone must not authorize, got %s", svc.Status())
	}
}

func TestInactivePushEventLogsOut(t *testing.T) {
	client := newFakeClient()
	storage := newMemStorage()
	notifier := &recordingNotifier{}
	svc := newTestService(t, client, storage, notifier)
	if ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()}); !ok || err != nil {
		t.Fatalf("login: %v %v", ok, err)
	}

	client.emit(Event{Type: EventSession, Subtype: SubtypeInactive})

	if svc.Status() != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %s", svc.Status())
	}
	if client.active.Load() != 0 {
		t.Fatalf("expected subscription released")
	}
	if storage.len() != 0 {
		t.Fatalf("expected credentials cleared")
	}
	errs := notifier.kinds(NotifyError)
	if len(errs) != 1 || errs[0].Title != "Session expired" {
		t.Fatalf("expected session expired notification, got %+v", errs)
	}
}

func TestLockedPushEventLocks(t *testing.T) {
	client := newFakeClient()
	notifier := &recordingNotifier{}
	svc := newTestService(t, client, newMemStorage(), notifier)
	if ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()}); !ok || err != nil {
		t.Fatalf("login: %v %v", ok, err)
	}

	client.emit(Event{Type: EventSession, Subtype: SubtypeLocked})

	if svc.Status() != StatusLocked {
		t.Fatalf("expected locked, got %s", svc.Status())
	}
	if len(notifier.kinds(NotifyClearState)) != 1 {
		t.Fatalf("expected clear broadcast")
	}
}

func TestStaleSubscriptionEventsAreIgnored(t *testing.T) {
	client := newFakeClient()
	svc := newTestService(t, client, newMemStorage(), &recordingNotifier{})
	for i := 0; i < 2; i++ {
		if ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()}); !ok || err != nil {
			t.Fatalf("login: %v %v", ok, err)
		}
	}

	client.mu.Lock()
	stale := client.handlers[0]
	client.mu.Unlock()
	stale(Event{Type: EventSession, Subtype: SubtypeInactive})

	if svc.Status() != StatusAuthorized {
		t.Fatalf("stale handler changed status to %s", svc.Status())
	}
}

func TestHandleStorageCleared(t *testing.T) {
	client := newFakeClient()
	storage := newMemStorage()
	svc := newTestService(t, client, storage, &recordingNotifier{})
	if ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()}); !ok || err != nil {
		t.Fatalf("login: %v %v", ok, err)
	}

	svc.HandleStorageCleared(context.Background())
	if svc.Status() != StatusAuthorized {
		t.Fatalf("credentials still present, expected authorized, got %s", svc.Status())
	}

	_ = storage.Remove(context.Background(), credentialKeys...)
	svc.HandleStorageCleared(context.Background())
	if svc.Status() != StatusUnauthorized {
		t.Fatalf("expected logout after external clear, got %s", svc.Status())
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Storage: newMemStorage()}); err == nil {
		t.Fatalf("expected error without client")
	}
	if _, err := New(Options{Client: newFakeClient()}); err == nil {
		t.Fatalf("expected error without storage")
	}
}

func TestShutdownKeepsPersistedCredentials(t *testing.T) {
	client := newFakeClient()
	storage := newMemStorage()
	svc := newTestService(t, client, storage, &recordingNotifier{})

	ok, err := svc.Login(context.Background(), LoginOptions{Credentials: testCredentials()})
	if !ok || err != nil {
		t.Fatalf("login: %v %v", ok, err)
	}

	svc.Shutdown()
	if storage.len() != 4 {
		t.Fatalf("expected persisted credentials kept, got %d slots", storage.len())
	}
	if client.active.Load() != 0 {
		t.Fatalf("expected subscription released")
	}
	if client.configuredCreds() != nil || svc.SessionID() != "" {
		t.Fatalf("expected in-memory credentials wiped")
	}
}
