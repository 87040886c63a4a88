// Package notify mirrors the server's notification list, unread counter and
// preferences. The counter is polled on a fixed interval while a credential
// resolves; everything else is loaded on demand.
//
// An absent or rejected credential is an expected state, not a fault: every
// operation then yields an empty result and no error, and local state is
// cleared. Read toggles are applied optimistically and rolled back when the
// request fails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/credential"
)

// API is the subset of the HTTP API the reconciler uses.
type API interface {
	ListNotifications(ctx context.Context, cred credential.Credential, limit int) ([]Notification, error)
	UnreadCount(ctx context.Context, cred credential.Credential) (int, error)
	MarkNotificationsRead(ctx context.Context, cred credential.Credential, ids []string) error
	MarkAllNotificationsRead(ctx context.Context, cred credential.Credential) error
	GetPreferences(ctx context.Context, cred credential.Credential) (Preferences, error)
	UpdatePreferences(ctx context.Context, cred credential.Credential, p Preferences) (Preferences, error)
}

// CredentialSource resolves the active credential. It is called before every
// request.
type CredentialSource interface {
	Resolve() (credential.Credential, error)
}

// Reconciler owns the local notification state.
type Reconciler struct {
	api      API
	creds    CredentialSource
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	limit    int

	mu            sync.RWMutex
	notifications []Notification
	unread        int
	// Bumped whenever the list or the counter is replaced by server state, so
	// a late rollback does not undo on top of fresher data.
	listGen   uint64
	unreadGen uint64
	prefs         Preferences
	prefsLoaded   bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconciler creates a reconciler polling every interval and fetching at
// most limit notifications per load.
func NewReconciler(api API, creds CredentialSource, b *bus.Bus, logger *zap.Logger, interval time.Duration, limit int) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		api:      api,
		creds:    creds,
		bus:      b,
		logger:   logger,
		interval: interval,
		limit:    limit,
	}
}

// credential returns the active credential, or false when none resolves.
func (r *Reconciler) credential() (credential.Credential, bool) {
	cred, err := r.creds.Resolve()
	if err != nil {
		if !errors.Is(err, credential.ErrUnauthenticated) {
			r.logger.Warn("resolve credential", zap.Error(err))
		}
		r.reset()
		return "", false
	}
	return cred, true
}

// handleErr classifies a request error. Auth failures clear local state and
// are swallowed.
func (r *Reconciler) handleErr(op string, err error) error {
	var ae interface{ IsAuth() bool }
	if errors.As(err, &ae) && ae.IsAuth() {
		r.logger.Debug("credential rejected", zap.String("op", op))
		r.reset()
		return nil
	}
	r.logger.Warn("notification request failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Reconciler) reset() {
	r.mu.Lock()
	changed := r.unread != 0
	r.notifications = nil
	r.unread = 0
	r.listGen++
	r.unreadGen++
	r.prefs = Preferences{}
	r.prefsLoaded = false
	r.mu.Unlock()
	if changed {
		r.bus.Emit(bus.KindNotifyUnreadChanged, UnreadEvent{})
	}
}

// LoadNotifications fetches the recent list and replaces the local one.
func (r *Reconciler) LoadNotifications(ctx context.Context) ([]Notification, error) {
	cred, ok := r.credential()
	if !ok {
		return []Notification{}, nil
	}
	list, err := r.api.ListNotifications(ctx, cred, r.limit)
	if err != nil {
		return []Notification{}, r.handleErr("load notifications", err)
	}
	if list == nil {
		list = []Notification{}
	}

	r.mu.Lock()
	r.notifications = slices.Clone(list)
	r.listGen++
	r.mu.Unlock()
	r.bus.Emit(bus.KindNotificationsLoaded, len(list))
	return list, nil
}

// LoadUnreadCount fetches the unread counter.
func (r *Reconciler) LoadUnreadCount(ctx context.Context) (int, error) {
	cred, ok := r.credential()
	if !ok {
		return 0, nil
	}
	n, err := r.api.UnreadCount(ctx, cred)
	if err != nil {
		return 0, r.handleErr("load unread count", err)
	}
	r.setUnread(max(n, 0))
	return n, nil
}

func (r *Reconciler) setUnread(n int) {
	r.mu.Lock()
	changed := r.unread != n
	r.unread = n
	r.unreadGen++
	r.mu.Unlock()
	if changed {
		r.bus.Emit(bus.KindNotifyUnreadChanged, UnreadEvent{Count: n})
	}
}

// MarkAsRead flips the read flag of ids and decrements the counter by the
// number of them that were unread locally, floored at zero. The change is
// rolled back if the request fails.
func (r *Reconciler) MarkAsRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	cred, ok := r.credential()
	if !ok {
		return nil
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	r.mu.Lock()
	var flipped []string
	for i := range r.notifications {
		n := &r.notifications[i]
		if want[n.ID] && !n.Read {
			n.Read = true
			flipped = append(flipped, n.ID)
		}
	}
	before := r.unread
	r.unread = max(r.unread-len(flipped), 0)
	taken := before - r.unread
	after := r.unread
	snap := r.snapshotLocked()
	r.mu.Unlock()
	if taken > 0 {
		r.bus.Emit(bus.KindNotifyUnreadChanged, UnreadEvent{Count: after})
	}

	if err := r.api.MarkNotificationsRead(ctx, cred, ids); err != nil {
		if err := r.handleErr("mark read", err); err != nil {
			r.rollback(snap, flipped, taken)
			return err
		}
	}
	return nil
}

// MarkAllAsRead marks every local notification read and zeroes the counter.
// The change is rolled back if the request fails.
func (r *Reconciler) MarkAllAsRead(ctx context.Context) error {
	cred, ok := r.credential()
	if !ok {
		return nil
	}

	r.mu.Lock()
	var flipped []string
	for i := range r.notifications {
		if !r.notifications[i].Read {
			r.notifications[i].Read = true
			flipped = append(flipped, r.notifications[i].ID)
		}
	}
	taken := r.unread
	r.unread = 0
	snap := r.snapshotLocked()
	r.mu.Unlock()
	if taken > 0 {
		r.bus.Emit(bus.KindNotifyUnreadChanged, UnreadEvent{})
	}

	if err := r.api.MarkAllNotificationsRead(ctx, cred); err != nil {
		if err := r.handleErr("mark all read", err); err != nil {
			r.rollback(snap, flipped, taken)
			return err
		}
	}
	return nil
}

type generations struct {
	list, unread uint64
}

func (r *Reconciler) snapshotLocked() generations {
	return generations{list: r.listGen, unread: r.unreadGen}
}

// rollback undoes an optimistic mark. Parts that were replaced by a load
// since snap are left alone.
func (r *Reconciler) rollback(snap generations, ids []string, taken int) {
	undo := make(map[string]bool, len(ids))
	for _, id := range ids {
		undo[id] = true
	}
	r.mu.Lock()
	if r.listGen == snap.list {
		for i := range r.notifications {
			if undo[r.notifications[i].ID] {
				r.notifications[i].Read = false
			}
		}
	}
	restore := taken > 0 && r.unreadGen == snap.unread
	if restore {
		r.unread += taken
	}
	n := r.unread
	r.mu.Unlock()
	if restore {
		r.bus.Emit(bus.KindNotifyUnreadChanged, UnreadEvent{Count: n})
	}
}

// LoadPreferences fetches the preferences record.
func (r *Reconciler) LoadPreferences(ctx context.Context) (Preferences, error) {
	cred, ok := r.credential()
	if !ok {
		return Preferences{}, nil
	}
	p, err := r.api.GetPreferences(ctx, cred)
	if err != nil {
		return Preferences{}, r.handleErr("load preferences", err)
	}
	r.mu.Lock()
	r.prefs = p
	r.prefsLoaded = true
	r.mu.Unlock()
	return p, nil
}

// UpdatePreferences applies patch to the current record and saves the whole
// record. Local state changes only once the server confirms.
func (r *Reconciler) UpdatePreferences(ctx context.Context, patch PreferencesPatch) (Preferences, error) {
	if patch.QuietHours != nil {
		if err := patch.QuietHours.Validate(); err != nil {
			return Preferences{}, err
		}
	}

	r.mu.RLock()
	cur, loaded := r.prefs, r.prefsLoaded
	r.mu.RUnlock()
	if !loaded {
		var err error
		if cur, err = r.LoadPreferences(ctx); err != nil {
			return Preferences{}, err
		}
	}

	cred, ok := r.credential()
	if !ok {
		return Preferences{}, nil
	}
	saved, err := r.api.UpdatePreferences(ctx, cred, cur.Apply(patch))
	if err != nil {
		return Preferences{}, r.handleErr("update preferences", err)
	}

	r.mu.Lock()
	r.prefs = saved
	r.prefsLoaded = true
	r.mu.Unlock()
	r.bus.Emit(bus.KindPreferencesChanged, saved)
	return saved, nil
}

// Notifications returns a copy of the local list.
func (r *Reconciler) Notifications() []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.notifications)
}

// UnreadCount returns the local counter.
func (r *Reconciler) UnreadCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unread
}

// Preferences returns the last confirmed preferences record.
func (r *Reconciler) Preferences() Preferences {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefs
}

// Start polls the unread counter now and then every interval until ctx is
// cancelled or Stop is called. Only the first call has an effect.
func (r *Reconciler) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		r.done = make(chan struct{})
		go r.poll(ctx)
	})
}

// Stop ends the poll loop and waits for it. It is safe to call more than once
// and before Start.
func (r *Reconciler) Stop() {
	r.startOnce.Do(func() {})
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
	})
}

func (r *Reconciler) poll(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.LoadUnreadCount(ctx); err != nil && ctx.Err() == nil {
			r.logger.Debug("unread poll", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
