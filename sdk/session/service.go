package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const initFlightKey = "init"

// Options configures a Service.
type Options struct {
	// Client is the API transport. Required.
	Client Client
	// Storage backs the credential store. Required.
	Storage Storage
	// Notifier receives status changes, broadcasts and user-facing messages.
	Notifier Notifier
	// OnAuthorized runs after a login completes without lock.
	OnAuthorized func()
	// OnUnauthorized runs after every logout.
	OnUnauthorized func()
}

// LoginOptions carries the credentials to log in with and an optional lock hint.
type LoginOptions struct {
	Credentials Credentials
	// LockHint skips the remote lock lookup when the caller already knows the status.
	LockHint *Lock
}

// Service is the authentication/session state machine of the worker.
// A single Service is shared by every caller for the lifetime of the process.
type Service struct {
	client         Client
	store          *CredentialStore
	lock           *LockState
	fork           *SessionFork
	notifier       Notifier
	onAuthorized   func()
	onUnauthorized func()

	initGroup singleflight.Group

	mu     sync.RWMutex
	status Status
	creds  *Credentials
	sub    Subscription
	subGen uint64
}

// New constructs a Service in the Unauthorized state.
func New(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("session: client is required")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("session: storage is required")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	return &Service{
		client:         opts.Client,
		store:          NewCredentialStore(opts.Storage),
		lock:           NewLockState(opts.Client),
		fork:           NewSessionFork(opts.Client),
		notifier:       notifier,
		onAuthorized:   opts.OnAuthorized,
		onUnauthorized: opts.OnUnauthorized,
		status:         StatusUnauthorized,
	}, nil
}

// Status returns the current worker status.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// CurrentLock returns the local lock gate snapshot.
func (s *Service) CurrentLock() Lock {
	return s.lock.Current()
}

// SessionID returns the identifier of the in-memory session, if any.
func (s *Service) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return ""
	}
	return s.creds.SessionID
}

// Init is the startup entry point. Concurrent calls share one attempt.
// It reports whether a usable session, locked or not, exists afterwards.
func (s *Service) Init(ctx context.Context) bool {
	result, _, shared := s.initGroup.Do(initFlightKey, func() (any, error) {
		return s.initOnce(ctx), nil
	})
	if shared {
		log.Debug("session: init joined an in-flight attempt")
	}
	ready, _ := result.(bool)
	return ready
}

func (s *Service) initOnce(ctx context.Context) bool {
	if cached := s.cachedCredentials(); cached != nil {
		if _, err := s.Login(ctx, LoginOptions{Credentials: *cached}); err != nil {
			log.WithError(err).Warn("session: restoring in-memory session failed")
			return false
		}
		return s.Status().Ready()
	}

	if _, err := s.ResumeSession(ctx); err != nil {
		log.WithError(err).Info("session: init could not resume a session")
	}
	if s.Status().Ready() {
		return true
	}
	s.compareAndSetStatus(StatusResumingFailed, StatusUnauthorized)
	return false
}

// ResumeSession restores the persisted session, revalidates it with the API and logs in.
func (s *Service) ResumeSession(ctx context.Context) (bool, error) {
	s.setStatus(StatusResuming)

	creds, err := s.store.Load(ctx)
	if err != nil {
		return s.failResume(err)
	}
	if creds == nil {
		log.Debug("session: no persisted session to resume")
		s.setStatus(StatusResumingFailed)
		return false, nil
	}

	s.client.Configure(*creds)
	remote, err := s.client.Resume(ctx, *creds)
	if err != nil {
		if errors.Is(err, ErrInactiveSession) {
			if errClear := s.store.Clear(ctx); errClear != nil {
				log.WithError(errClear).Warn("session: failed to discard inactive persisted session")
			}
		}
		return s.failResume(err)
	}

	next := *creds
	if remote.SessionID != "" {
		next.SessionID = remote.SessionID
	}
	if remote.AccessToken != "" {
		next.AccessToken = remote.AccessToken
	}
	if remote.RefreshToken != "" {
		next.RefreshToken = remote.RefreshToken
	}

	s.setStatus(StatusAuthorizing)
	ok, err := s.login(ctx, LoginOptions{Credentials: next, LockHint: remote.Lock})
	if err != nil {
		return s.failResume(err)
	}
	return ok, nil
}

func (s *Service) failResume(err error) (bool, error) {
	s.teardown()
	s.setStatus(StatusResumingFailed)
	userErr := NewUserError(err)
	log.WithError(err).Warn("session: resume failed")
	s.notifier.Notify(userErr.Notification())
	return false, userErr
}

// Login persists creds, configures the transport, resolves the lock gate and,
// when not locked, subscribes to push events. It returns false without error
// when the session is locked.
func (s *Service) Login(ctx context.Context, opts LoginOptions) (bool, error) {
	s.setStatus(StatusAuthorizing)
	ok, err := s.login(ctx, opts)
	if err != nil {
		s.setStatus(StatusUnauthorized)
		userErr := NewUserError(err)
		log.WithError(err).Warn("session: login failed")
		s.notifier.Notify(userErr.Notification())
		return false, userErr
	}
	return ok, nil
}

// login tears down partial transport state on failure but leaves the status to the caller.
func (s *Service) login(ctx context.Context, opts LoginOptions) (bool, error) {
	creds := opts.Credentials.Clone()
	if !creds.Valid() {
		s.teardown()
		return false, ErrIncompleteCredentials
	}

	if err := s.store.Save(ctx, *creds); err != nil {
		s.teardown()
		return false, err
	}
	s.client.Configure(*creds)
	s.setCredentials(creds)

	lock, err := s.lock.Resolve(ctx, opts.LockHint)
	if err != nil {
		if !errors.Is(err, ErrLockedSession) {
			s.teardown()
			return false, err
		}
		lock = Lock{Status: LockLocked}
		s.lock.set(lock)
	}

	if lock.Status == LockLocked {
		s.releaseSubscription()
		s.setStatus(StatusLocked)
		log.Info("session: logged in, session is locked")
		return false, nil
	}

	if err = s.subscribe(); err != nil {
		s.teardown()
		return false, err
	}
	s.setStatus(StatusAuthorized)
	log.WithField("session", creds.SessionID).Info("session: authorized")
	if s.onAuthorized != nil {
		s.onAuthorized()
	}
	return true, nil
}

// ConsumeFork exchanges a fork handed off by the companion app, logs in and performs
// the welcome handshake. Any failure before login completes leaves the worker
// Unauthorized. A handshake failure after login is reported but does not undo it.
func (s *Service) ConsumeFork(ctx context.Context, payload ForkPayload) (*Welcome, error) {
	s.setStatus(StatusAuthorizing)

	remote, err := s.fork.Consume(ctx, payload.ForkCode)
	if err != nil {
		return nil, s.failFork(ctx, err, false)
	}
	creds := Credentials{
		SessionID:    remote.SessionID,
		AccessToken:  remote.AccessToken,
		RefreshToken: remote.RefreshToken,
		DerivedKey:   append([]byte(nil), payload.DerivedKey...),
	}
	if !creds.Valid() {
		return nil, s.failFork(ctx, ErrIncompleteCredentials, false)
	}
	if err = s.store.Save(ctx, creds); err != nil {
		return nil, s.failFork(ctx, err, false)
	}
	if _, err = s.login(ctx, LoginOptions{Credentials: creds, LockHint: remote.Lock}); err != nil {
		return nil, s.failFork(ctx, err, true)
	}

	welcome, err := s.client.Handshake(ctx)
	if err != nil {
		if !errors.Is(err, ErrLockedSession) {
			userErr := NewUserError(err)
			log.WithError(err).Warn("session: post-login handshake failed")
			s.notifier.Notify(userErr.Notification())
			return nil, userErr
		}
		log.Debug("session: handshake reported a locked session")
		welcome = nil
	}

	welcome = completeWelcome(welcome)
	s.notifier.Notify(Notification{Kind: NotifyInfo, Title: welcome.Title, Message: welcome.Message})
	return welcome, nil
}

func (s *Service) failFork(ctx context.Context, err error, persisted bool) error {
	s.teardown()
	if persisted {
		if errClear := s.store.Clear(context.WithoutCancel(ctx)); errClear != nil {
			log.WithError(errClear).Warn("session: failed to discard forked credentials")
		}
	}
	s.setStatus(StatusUnauthorized)
	userErr := NewUserError(err)
	log.WithError(err).Warn("session: fork consumption failed")
	s.notifier.Notify(userErr.Notification())
	return userErr
}

// Shutdown releases the push subscription and wipes in-memory credentials.
// Persisted credentials are kept so the next start can resume.
func (s *Service) Shutdown() {
	s.teardown()
	log.Debug("session: released for shutdown")
}

// Logout drops the session. It makes no network call and cannot fail.
func (s *Service) Logout(ctx context.Context) {
	s.teardown()
	s.lock.Reset()
	s.setStatus(StatusUnauthorized)
	if err := s.store.Clear(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Warn("session: failed to clear persisted credentials on logout")
	}
	log.Info("session: logged out")
	if s.onUnauthorized != nil {
		s.onUnauthorized()
	}
}

// Lock arms the local lock gate. The status flips to Locked before collaborators
// are told to clear application state, and the clear broadcast only fires when
// the worker was authorized. Without a ready session the gate is left untouched.
func (s *Service) Lock(_ context.Context) {
	s.mu.Lock()
	prev := s.status
	if !prev.Ready() {
		s.mu.Unlock()
		log.WithField("status", prev).Debug("session: lock ignored without a session")
		return
	}
	wipe := s.lock.Arm()
	s.status = StatusLocked
	s.mu.Unlock()

	if prev != StatusLocked {
		s.publishStatus(prev, StatusLocked)
	}
	if prev == StatusAuthorized && wipe.Required() {
		s.notifier.Notify(Notification{Kind: NotifyClearState})
	}
}

// Unlock clears the lock gate flag. The worker stays Locked until the caller has
// completed its own unlock verification and logs in again.
func (s *Service) Unlock(_ context.Context) {
	s.lock.Disarm()
	log.Debug("session: lock gate disarmed")
}

// HandleStorageCleared logs out when the persisted credentials disappeared
// underneath a ready worker.
func (s *Service) HandleStorageCleared(ctx context.Context) {
	if !s.Status().Ready() {
		return
	}
	creds, err := s.store.Load(ctx)
	if err != nil || creds != nil {
		return
	}
	log.Warn("session: persisted credentials were removed externally")
	s.Logout(ctx)
}

func (s *Service) handleEvent(gen uint64, ev Event) {
	s.mu.RLock()
	current := s.subGen == gen
	s.mu.RUnlock()
	if !current || ev.Type != EventSession {
		return
	}

	ctx := context.Background()
	switch ev.Subtype {
	case SubtypeInactive:
		log.Warn("session: remote session is inactive")
		s.Logout(ctx)
		s.notifier.Notify(NewUserError(ErrInactiveSession).Notification())
	case SubtypeLocked:
		log.Info("session: remote session was locked")
		s.Lock(ctx)
	default:
		log.WithField("event", ev.Subtype).Debug("session: ignoring unknown session event")
	}
}

// subscribe replaces any active push subscription with a new one.
func (s *Service) subscribe() error {
	s.releaseSubscription()

	s.mu.Lock()
	s.subGen++
	gen := s.subGen
	s.mu.Unlock()

	sub, err := s.client.Subscribe(func(ev Event) { s.handleEvent(gen, ev) })
	if err != nil {
		return fmt.Errorf("session: subscribe to push events: %w", err)
	}

	s.mu.Lock()
	if s.subGen != gen {
		s.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *Service) releaseSubscription() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.subGen++
	s.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		log.WithError(err).Debug("session: closing push subscription")
	}
}

// teardown releases the subscription and every in-memory credential.
func (s *Service) teardown() {
	s.releaseSubscription()
	s.client.Clear()
	s.mu.Lock()
	if s.creds != nil {
		s.creds.Wipe()
		s.creds = nil
	}
	s.mu.Unlock()
}

func (s *Service) setCredentials(creds *Credentials) {
	s.mu.Lock()
	if s.creds != nil && s.creds != creds {
		s.creds.Wipe()
	}
	s.creds = creds
	s.mu.Unlock()
}

func (s *Service) cachedCredentials() *Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.creds.Valid() {
		return nil
	}
	return s.creds.Clone()
}

func (s *Service) setStatus(next Status) {
	s.mu.Lock()
	prev := s.status
	s.status = next
	s.mu.Unlock()
	if prev != next {
		s.publishStatus(prev, next)
	}
}

func (s *Service) compareAndSetStatus(expected, next Status) bool {
	s.mu.Lock()
	if s.status != expected {
		s.mu.Unlock()
		return false
	}
	s.status = next
	s.mu.Unlock()
	if expected != next {
		s.publishStatus(expected, next)
	}
	return true
}

func (s *Service) publishStatus(prev, next Status) {
	log.WithField("status", next).Debugf("session: status %s -> %s", prev, next)
	s.notifier.Notify(Notification{Kind: NotifyStatus, Status: next})
}

func completeWelcome(w *Welcome) *Welcome {
	out := Welcome{}
	if w != nil {
		out = *w
	}
	if out.Title == "" {
		out.Title = "Welcome"
	}
	if out.Message == "" {
		if out.DisplayName != "" {
			out.Message = fmt.Sprintf("Signed in as %s.", out.DisplayName)
		} else {
			out.Message = "You are now signed in."
		}
	}
	return &out
}
