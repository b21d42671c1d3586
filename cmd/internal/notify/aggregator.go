package notify

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"elaw/cmd/internal/ids"
	"elaw/cmd/internal/notify/feed"
)

var ErrNotFound = errors.New("notify: notification not found")

const (
	// DefaultToastWindow is how fresh the newest push record must be to toast.
	DefaultToastWindow = 5 * time.Second
	// DefaultToastTTL is how long a toast stays up.
	DefaultToastTTL = 5 * time.Second

	recentWindow = 24 * time.Hour
)

// Observer receives feed metrics.
type Observer interface {
	PushSnapshot()
	UnreadChanged(n int)
}

// Toast is the transient "new notification" banner.
type Toast struct {
	ID           string       `json:"id"`
	Notification Notification `json:"notification"`
	ShownAt      time.Time    `json:"shownAt"`
}

// Snapshot is a copy of the feed state.
type Snapshot struct {
	UserID  string
	Items   []Notification
	Unread  int
	Loading bool
	Err     error
	Toast   *Toast
}

// Aggregator owns the merged feed. All mutations go through its methods and
// are serialized by one mutex; readers get copies.
type Aggregator struct {
	log      *slog.Logger
	push     feed.Source
	pull     PullAPI
	writer   Writer
	observer Observer
	now      func() time.Time

	toastWindow time.Duration
	toastTTL    time.Duration

	mu      sync.Mutex
	items   []Notification
	unread  int
	loading bool
	err     error

	userID string
	gen    uint64
	cancel func()

	toast       *Toast
	lastToastID string
	toastTimer  *time.Timer

	watchers    map[uint64]chan Snapshot
	nextWatcher uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) { a.observer = o }
}

// WithWriter replaces the default WriteThrough.
func WithWriter(w Writer) Option {
	return func(a *Aggregator) {
		if w != nil {
			a.writer = w
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithToastTiming overrides the freshness window and display time of toasts.
func WithToastTiming(window, ttl time.Duration) Option {
	return func(a *Aggregator) {
		if window > 0 {
			a.toastWindow = window
		}
		if ttl > 0 {
			a.toastTTL = ttl
		}
	}
}

// New builds an Aggregator over a push source and the REST feed. Either may
// be nil, in which case the matching operations do nothing.
func New(push feed.Source, pull PullAPI, opts ...Option) *Aggregator {
	a := &Aggregator{
		log:         slog.Default(),
		push:        push,
		pull:        pull,
		writer:      WriteThrough{Push: push, Pull: pull},
		now:         time.Now,
		toastWindow: DefaultToastWindow,
		toastTTL:    DefaultToastTTL,
		watchers:    make(map[uint64]chan Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Subscribe follows userID's live feed, replacing any previous subscription.
// Subscribing again to the current user is a no-op; switching users starts
// from an empty feed. An empty userID unsubscribes.
func (a *Aggregator) Subscribe(ctx context.Context, userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		a.Unsubscribe()
		return
	}

	a.mu.Lock()
	if a.userID == userID && a.cancel != nil {
		a.mu.Unlock()
		return
	}
	prev := a.cancel
	if a.userID != userID {
		a.resetLocked()
	}
	a.gen++
	gen := a.gen
	a.userID = userID
	a.err = nil
	a.cancel = nil

	if a.push != nil {
		a.loading = true
		subCtx, cancelCtx := context.WithCancel(ctx)
		ch, stop := a.push.Subscribe(subCtx, userID)
		a.cancel = func() {
			cancelCtx()
			stop()
		}
		go a.consume(gen, ch)
	}
	a.broadcastLocked()
	a.mu.Unlock()

	if prev != nil {
		prev()
	}
	a.log.Info("notify.subscribe", "user_id", userID)
}

// Unsubscribe tears the live subscription down and empties the feed.
func (a *Aggregator) Unsubscribe() {
	a.mu.Lock()
	prev := a.cancel
	had := a.userID != ""
	a.cancel = nil
	a.gen++
	a.userID = ""
	a.loading = false
	a.err = nil
	a.resetLocked()
	a.broadcastLocked()
	a.mu.Unlock()

	if prev != nil {
		prev()
	}
	if had {
		a.log.Info("notify.unsubscribe")
	}
}

func (a *Aggregator) consume(gen uint64, ch <-chan feed.Snapshot) {
	for snap := range ch {
		a.applyPush(gen, snap)
	}
}

// applyPush replaces the push subset with snap and keeps every other record
// whose id snap does not carry, in its current relative order.
func (a *Aggregator) applyPush(gen uint64, snap feed.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.gen {
		return
	}
	a.loading = false

	if snap.Err != nil {
		a.err = snap.Err
		a.log.Warn("notify.push.fail", "user_id", a.userID, "err", snap.Err)
		a.broadcastLocked()
		return
	}
	a.err = nil

	push := make([]Notification, 0, len(snap.Records))
	in := make(map[string]struct{}, len(snap.Records))
	for _, rec := range snap.Records {
		if _, dup := in[rec.ID]; dup {
			continue
		}
		in[rec.ID] = struct{}{}
		push = append(push, fromRecord(rec))
	}

	merged := push
	for _, it := range a.items {
		if it.Source == SourcePush {
			continue
		}
		if _, ok := in[it.ID]; ok {
			continue
		}
		merged = append(merged, it)
	}
	a.items = merged
	a.setUnreadLocked(countUnread(merged))
	a.maybeToastLocked(push)

	if a.observer != nil {
		a.observer.PushSnapshot()
	}
	a.log.Debug("notify.push.snapshot", "user_id", a.userID, "records", len(push), "unread", a.unread)
	a.broadcastLocked()
}

// FetchAll pulls GET /notifications and appends records whose id is not in
// the feed yet. Existing records are never overwritten.
func (a *Aggregator) FetchAll(ctx context.Context) error {
	if a.pull == nil {
		return nil
	}

	a.mu.Lock()
	gen := a.gen
	a.loading = true
	a.broadcastLocked()
	a.mu.Unlock()

	list, err := a.pull.ListNotifications(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.loading = false

	if gen != a.gen {
		// The feed moved to another user while the request was in flight.
		a.log.Info("notify.fetch_all.stale")
		a.broadcastLocked()
		return nil
	}
	if err != nil {
		a.err = err
		a.log.Warn("notify.fetch_all.fail", "err", err)
		a.broadcastLocked()
		return err
	}

	present := make(map[string]struct{}, len(a.items)+len(list))
	for _, it := range a.items {
		present[it.ID] = struct{}{}
	}
	added := 0
	for _, n := range list {
		if n.ID == "" {
			continue
		}
		if _, ok := present[n.ID]; ok {
			continue
		}
		present[n.ID] = struct{}{}
		a.items = append(a.items, fromBackend(n))
		added++
	}
	a.setUnreadLocked(countUnread(a.items))
	a.log.Info("notify.fetch_all", "fetched", len(list), "added", added)
	a.broadcastLocked()
	return nil
}

// MarkAsRead flips id to read locally, then writes it through to its origin.
// A write failure is returned but the local change stays.
func (a *Aggregator) MarkAsRead(ctx context.Context, id string) error {
	a.mu.Lock()
	idx := a.indexLocked(id)
	if idx < 0 {
		a.mu.Unlock()
		return ErrNotFound
	}
	it := a.items[idx]
	if !it.Read {
		it.Read = true
		a.items[idx] = it
		a.setUnreadLocked(max(0, a.unread-1))
		a.broadcastLocked()
	}
	a.mu.Unlock()

	if err := a.writer.MarkRead(ctx, it); err != nil {
		a.log.Warn("notify.mark_read.fail", "id", id, "source", string(it.Source), "err", err)
		return err
	}
	return nil
}

// MarkAllAsRead marks every record read and zeroes unread, then issues one
// push batch for unread push records and one REST mark-all if any pull
// record was unread.
func (a *Aggregator) MarkAllAsRead(ctx context.Context) error {
	a.mu.Lock()
	var pushIDs []string
	pullUnread := false
	for i := range a.items {
		it := &a.items[i]
		if !it.Read {
			switch it.Source {
			case SourcePush:
				pushIDs = append(pushIDs, it.ID)
			case SourcePull:
				pullUnread = true
			}
		}
		it.Read = true
	}
	a.setUnreadLocked(0)
	a.broadcastLocked()
	a.mu.Unlock()

	if len(pushIDs) == 0 && !pullUnread {
		return nil
	}
	if err := a.writer.MarkAllRead(ctx, pushIDs, pullUnread); err != nil {
		a.log.Warn("notify.mark_all_read.fail", "push", len(pushIDs), "pull", pullUnread, "err", err)
		return err
	}
	return nil
}

// Add prepends a local notification. It is never written anywhere.
func (a *Aggregator) Add(n Notification) (Notification, error) {
	now := a.now()
	if n.ID == "" {
		id, err := ids.NewULID(now)
		if err != nil {
			return Notification{}, err
		}
		n.ID = id
	}
	n.Source = SourceLocal
	n.CreatedAt = now
	n.Read = false

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.indexLocked(n.ID) >= 0 {
		return Notification{}, errors.New("notify: duplicate id")
	}
	a.items = append([]Notification{n}, a.items...)
	a.setUnreadLocked(a.unread + 1)
	a.broadcastLocked()
	return n, nil
}

// Dismiss removes id from the visible feed without touching its origin.
func (a *Aggregator) Dismiss(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.indexLocked(id)
	if idx < 0 {
		return false
	}
	if !a.items[idx].Read {
		a.setUnreadLocked(max(0, a.unread-1))
	}
	a.items = slices.Delete(a.items, idx, idx+1)
	if a.toast != nil && a.toast.Notification.ID == id {
		a.toast = nil
	}
	a.broadcastLocked()
	return true
}

// ClearAll empties the visible feed.
func (a *Aggregator) ClearAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = nil
	a.setUnreadLocked(0)
	a.broadcastLocked()
}

// Items returns a copy of the merged feed.
func (a *Aggregator) Items() []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneItems(a.items)
}

// ByType returns the records of type t.
func (a *Aggregator) ByType(t string) []Notification {
	return a.filter(func(n Notification) bool { return n.Type == t })
}

// BySource returns the records from s.
func (a *Aggregator) BySource(s Source) []Notification {
	return a.filter(func(n Notification) bool { return n.Source == s })
}

// Recent returns the records created in the last 24 hours.
func (a *Aggregator) Recent() []Notification {
	cutoff := a.now().Add(-recentWindow)
	return a.filter(func(n Notification) bool { return n.CreatedAt.After(cutoff) })
}

func (a *Aggregator) Unread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

func (a *Aggregator) HasUnread() bool { return a.Unread() > 0 }

func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

func (a *Aggregator) Loading() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loading
}

// Err is the last push or fetch failure, nil once a later delivery succeeds.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Toast returns the toast currently shown.
func (a *Aggregator) Toast() (Toast, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.toast == nil {
		return Toast{}, false
	}
	return *a.toast, true
}

// DismissToast hides the toast with id ("" hides whatever is shown).
func (a *Aggregator) DismissToast(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.toast == nil || (id != "" && a.toast.ID != id) {
		return
	}
	a.toast = nil
	a.broadcastLocked()
}

// Snapshot returns a copy of the whole state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Watch registers an observer. The channel holds only the latest snapshot
// and is primed with the current one.
func (a *Aggregator) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	a.mu.Lock()
	id := a.nextWatcher
	a.nextWatcher++
	a.watchers[id] = ch
	ch <- a.snapshotLocked()
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.watchers, id)
			close(ch)
			a.mu.Unlock()
		})
	}
}

func (a *Aggregator) filter(keep func(Notification) bool) []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Notification
	for _, it := range cloneItems(a.items) {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// ---- internals (mu held) ----

func (a *Aggregator) indexLocked(id string) int {
	return slices.IndexFunc(a.items, func(n Notification) bool { return n.ID == id })
}

func (a *Aggregator) maybeToastLocked(push []Notification) {
	if len(push) == 0 {
		return
	}
	first := push[0]
	now := a.now()
	if first.CreatedAt.IsZero() || now.Sub(first.CreatedAt) >= a.toastWindow {
		return
	}
	if first.ID == a.lastToastID {
		return
	}

	id, err := ids.NewULID(now)
	if err != nil {
		id = first.ID
	}
	t := &Toast{ID: id, Notification: first, ShownAt: now}
	a.toast = t
	a.lastToastID = first.ID

	if a.toastTimer != nil {
		a.toastTimer.Stop()
	}
	a.toastTimer = time.AfterFunc(a.toastTTL, func() { a.DismissToast(t.ID) })
	a.log.Info("notify.toast", "notification_id", first.ID)
}

func (a *Aggregator) resetLocked() {
	a.items = nil
	a.setUnreadLocked(0)
	a.toast = nil
	a.lastToastID = ""
	if a.toastTimer != nil {
		a.toastTimer.Stop()
		a.toastTimer = nil
	}
}

func (a *Aggregator) setUnreadLocked(n int) {
	a.unread = n
	if a.observer != nil {
		a.observer.UnreadChanged(n)
	}
}

func (a *Aggregator) snapshotLocked() Snapshot {
	snap := Snapshot{
		UserID:  a.userID,
		Items:   cloneItems(a.items),
		Unread:  a.unread,
		Loading: a.loading,
		Err:     a.err,
	}
	if a.toast != nil {
		t := *a.toast
		snap.Toast = &t
	}
	return snap
}

func (a *Aggregator) broadcastLocked() {
	if len(a.watchers) == 0 {
		return
	}
	snap := a.snapshotLocked()
	for _, ch := range a.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
