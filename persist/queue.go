// Package persist turns bursts of local edits into ordered network writes.
//
// Every save names a key, one per logical document ("board-state",
// "hex:12,7"). Per key the queue holds at most one current entry and, for
// non-coalescing saves, a FIFO of waiting entries:
//
//	Scheduled -> Sending -> Succeeded
//	                     -> Retrying -> Sending
//	                     -> Aborted | Failed
//
// A coalescing save replaces whatever the key had pending: the previous
// entries resolve aborted, an in-flight request is cancelled (or, with
// FinishInFlight, left to complete), and the replacement waits for that
// request to return before sending, beacons included. One key therefore
// never has two writes on the wire.
//
// Saves wait a debounce window before their first attempt. Network errors
// and non-2xx replies are retried with exponential backoff; conflicts,
// rejections, missing endpoints and offline pre-flights are not. When the
// environment is hidden or unloading, saves go out as beacons.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/tablesync/connectivity"
	"github.com/hazyhaar/tablesync/envsig"
)

// ErrClosed is wrapped into the result of saves aborted by Close.
var ErrClosed = errors.New("persist: queue closed")

// Options configures a Queue.
type Options struct {
	// Transport sends attempts. Required.
	Transport connectivity.Handler
	// Env provides visibility, connectivity, unload and beacons.
	// Default: an envsig.Manual that stays visible and online.
	Env envsig.Env
	// Debounce is the quiet period before a first attempt. Default: 250ms.
	Debounce time.Duration
	// RetryLimit is the default attempt budget. Default: 3.
	RetryLimit int
	// RetryBackoff is the default backoff base. Default: 500ms.
	RetryBackoff time.Duration
	// ResumeOnReconnect parks the last save dropped offline for each key
	// and queues it again when the environment reports it is back online.
	// Default: false, offline saves are dropped.
	ResumeOnReconnect bool
	// Breaker, when set, fails attempts fast while the server is down.
	Breaker *connectivity.CircuitBreaker
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Env == nil {
		o.Env = envsig.NewManual()
	}
	if o.Debounce <= 0 {
		o.Debounce = 250 * time.Millisecond
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// SaveOptions tunes one save.
type SaveOptions struct {
	// OnComplete runs once with the result, before Pending resolves.
	OnComplete func(Result)
	// Keepalive forces beacon delivery.
	Keepalive bool
	// RetryLimit caps attempts. Zero uses the queue default.
	RetryLimit int
	// RetryBackoff is the backoff base. Zero uses the queue default.
	RetryBackoff time.Duration
	// NoCoalesce queues the save behind pending ones instead of
	// replacing them.
	NoCoalesce bool
	// Immediate skips the debounce window.
	Immediate bool
	// FinishInFlight lets an attempt already on the wire complete and
	// report its own result when this save coalesces over it. Scheduled
	// and waiting saves are still aborted.
	FinishInFlight bool
	// Encode, when set, builds the body at the start of every attempt,
	// after earlier writes of the key have returned and reported. The
	// payload given to QueueSave is then ignored. Encode may run with the
	// queue lock held and must not call back into the Queue.
	Encode func() ([]byte, error)
}

// State is the lifecycle state of a queued save.
type State int

const (
	StateScheduled State = iota
	StateSending
	StateRetrying
	StateSucceeded
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateSending:
		return "sending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Stats counts queue activity since creation.
type Stats struct {
	Queued    int
	Sent      int
	Beacons   int
	Succeeded int
	Failed    int
	Aborted   int
	Retried   int
	Resumed   int
}

type entry struct {
	key      string
	body     []byte
	endpoint string
	opts     SaveOptions
	resumed  bool

	state     State
	attempts  int
	gen       int // invalidates stale timers
	timer     *time.Timer
	cancel    context.CancelFunc
	finalized bool
	pending   *Pending
}

type keyState struct {
	current *entry
	waiting []*entry
	// inflight is closed when the last started network attempt returns.
	inflight chan struct{}
}

type parked struct {
	body     []byte
	endpoint string
	opts     SaveOptions
}

// Queue is a persistence queue. Create one per session with New.
type Queue struct {
	opts      Options
	transport connectivity.Handler

	mu        sync.Mutex
	keys      map[string]*keyState
	parked    map[string]parked
	unloading bool
	closed    bool
	stats     Stats

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	unregister []func()
}

// New creates a queue and registers its unload and reconnect hooks on
// opts.Env.
func New(opts Options) (*Queue, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("persist: new: transport is required")
	}
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:      opts,
		transport: opts.Transport,
		keys:      make(map[string]*keyState),
		parked:    make(map[string]parked),
		ctx:       ctx,
		cancel:    cancel,
	}
	if opts.Breaker != nil {
		q.transport = connectivity.WithCircuitBreaker(opts.Breaker)(q.transport)
	}
	q.unregister = append(q.unregister,
		opts.Env.OnUnload(q.unload),
		opts.Env.OnOnline(q.resume),
	)
	return q, nil
}

// QueueSave schedules payload to be POSTed to endpoint under key. The
// payload is encoded with encoding/json immediately; pass json.RawMessage
// for a pre-encoded body.
func (q *Queue) QueueSave(key string, payload any, endpoint string, opts SaveOptions) *Pending {
	if opts.Encode != nil {
		return q.enqueue(key, nil, endpoint, opts, false)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p := newPending()
		res := Result{Err: fmt.Errorf("persist: encode %s: %w", key, err)}
		p.result = res
		if opts.OnComplete != nil {
			opts.OnComplete(res)
		}
		close(p.done)
		return p
	}
	return q.enqueue(key, body, endpoint, opts, false)
}

func (q *Queue) enqueue(key string, body []byte, endpoint string, opts SaveOptions, resumed bool) *Pending {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = q.opts.RetryLimit
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = q.opts.RetryBackoff
	}
	e := &entry{
		key:      key,
		body:     body,
		endpoint: endpoint,
		opts:     opts,
		resumed:  resumed,
		pending:  newPending(),
	}

	var after []func()
	q.mu.Lock()
	if q.closed {
		after = append(after, q.resolveLocked(e, Result{Aborted: true, Err: errors.Join(connectivity.ErrAborted, ErrClosed)}))
		q.mu.Unlock()
		runAll(after)
		return e.pending
	}
	q.stats.Queued++
	delete(q.parked, key)
	ks := q.keys[key]
	if ks == nil {
		ks = &keyState{}
		q.keys[key] = ks
	}

	switch {
	case !opts.NoCoalesce:
		superseded := ks.waiting
		if old := ks.current; old != nil && !(opts.FinishInFlight && old.state == StateSending) {
			superseded = append([]*entry{old}, superseded...)
		}
		ks.current, ks.waiting = e, nil
		for _, old := range superseded {
			after = append(after, q.abortLocked(old, connectivity.ErrAborted))
		}
		q.scheduleLocked(e, &after)
	case ks.current == nil:
		ks.current = e
		q.scheduleLocked(e, &after)
	default:
		ks.waiting = append(ks.waiting, e)
	}
	q.mu.Unlock()
	runAll(after)
	return e.pending
}

// scheduleLocked arms the debounce timer of e, or starts it at once.
func (q *Queue) scheduleLocked(e *entry, after *[]func()) {
	e.state = StateScheduled
	if e.opts.Immediate || q.unloading {
		q.attemptLocked(e, after)
		return
	}
	q.armLocked(e, q.opts.Debounce)
}

func (q *Queue) armLocked(e *entry, d time.Duration) {
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, func() { q.fire(e, gen) })
}

func (q *Queue) fire(e *entry, gen int) {
	var after []func()
	q.mu.Lock()
	if e.gen == gen && !e.finalized && (e.state == StateScheduled || e.state == StateRetrying) {
		q.attemptLocked(e, &after)
	}
	q.mu.Unlock()
	runAll(after)
}

// attemptLocked runs the pre-flight checks and starts one attempt.
func (q *Queue) attemptLocked(e *entry, after *[]func()) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	env := q.opts.Env
	if e.endpoint == "" {
		*after = append(*after, q.finalizeLocked(e, Result{Aborted: true, Err: connectivity.ErrMissingEndpoint}))
		return
	}
	if !env.IsOnline() {
		if q.opts.ResumeOnReconnect {
			q.parked[e.key] = parked{body: e.body, endpoint: e.endpoint, opts: e.opts}
		}
		q.opts.Logger.Info("persist: offline, save dropped",
			"key", e.key, "parked", q.opts.ResumeOnReconnect)
		*after = append(*after, q.finalizeLocked(e, Result{Aborted: true, Err: connectivity.ErrOffline}))
		return
	}

	e.attempts++
	e.state = StateSending
	q.stats.Sent++

	ks := q.keys[e.key]
	tryBeacon := true
	// With nothing of the key on the wire a beacon goes out right here,
	// so unload hooks return with it handed over.
	if ks.inflight == nil && q.beaconLocked(e) {
		body, err := e.encode()
		if err != nil {
			*after = append(*after, q.settleLocked(e, nil, nil, err, false)...)
			return
		}
		if env.SendBeacon(e.endpoint, body) {
			*after = append(*after, q.settleLocked(e, nil, nil, nil, true)...)
			return
		}
		q.opts.Logger.Debug("persist: beacon refused, falling back to request", "key", e.key)
		tryBeacon = false
	}

	ctx, cancel := context.WithCancel(q.ctx)
	e.cancel = cancel
	prev := ks.inflight
	done := make(chan struct{})
	ks.inflight = done
	q.wg.Add(1)
	go q.send(e, ctx, prev, done, tryBeacon)
}

func (q *Queue) beaconLocked(e *entry) bool {
	return q.opts.Env.IsHidden() || q.unloading || e.opts.Keepalive
}

func (e *entry) encode() ([]byte, error) {
	if e.opts.Encode == nil {
		return e.body, nil
	}
	body, err := e.opts.Encode()
	if err != nil {
		return nil, fmt.Errorf("persist: encode %s: %w", e.key, err)
	}
	return body, nil
}

// send runs one attempt once the previous write of the key has returned.
// The key stays marked in flight until the attempt's notifications have
// run, so a following attempt encodes against what this one reported.
func (q *Queue) send(e *entry, ctx context.Context, prev, done chan struct{}, tryBeacon bool) {
	defer q.wg.Done()
	defer close(done)
	if prev != nil {
		<-prev
	}

	var (
		resp   *connectivity.Response
		cls    error
		encErr error
		beacon bool
	)
	if ctx.Err() != nil {
		cls = connectivity.Classify(ctx, e.endpoint, nil, ctx.Err())
	} else if body, err := e.encode(); err != nil {
		encErr = err
	} else {
		if tryBeacon {
			q.mu.Lock()
			tryBeacon = !e.finalized && q.beaconLocked(e)
			q.mu.Unlock()
		}
		if tryBeacon && q.opts.Env.SendBeacon(e.endpoint, body) {
			beacon = true
		} else {
			resp, err = q.transport(ctx, e.endpoint, body)
			cls = connectivity.Classify(ctx, e.endpoint, resp, err)
		}
	}

	var after []func()
	q.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if !e.finalized {
		after = q.settleLocked(e, resp, cls, encErr, beacon)
	}
	q.mu.Unlock()
	runAll(after)

	q.mu.Lock()
	q.attemptDoneLocked(e.key, done)
	q.mu.Unlock()
}

// settleLocked turns the outcome of an attempt into a result or a retry.
func (q *Queue) settleLocked(e *entry, resp *connectivity.Response, cls, encErr error, beacon bool) []func() {
	ks := q.keys[e.key]
	current := ks != nil && ks.current == e
	var after []func()
	switch {
	case encErr != nil:
		q.opts.Logger.Error("persist: save not encoded", "key", e.key, "error", encErr)
		after = append(after, q.finalizeLocked(e, Result{Err: encErr}))
	case beacon:
		q.stats.Beacons++
		after = append(after, q.finalizeLocked(e, Result{Success: true, Beacon: true}))
	case cls == nil:
		res := Result{Success: true, Data: resp.Envelope.Data}
		res.Version, res.HasVersion = resp.Version()
		after = append(after, q.finalizeLocked(e, res))
	case errors.Is(cls, connectivity.ErrAborted):
		after = append(after, q.finalizeLocked(e, Result{Aborted: true, Err: cls}))
	case connectivity.Retryable(cls) && e.attempts < e.opts.RetryLimit && !current:
		// A newer save of the key is waiting; it carries newer data.
		after = append(after, q.finalizeLocked(e, Result{Aborted: true, Err: connectivity.ErrAborted}))
	case connectivity.Retryable(cls) && e.attempts < e.opts.RetryLimit:
		backoff := e.opts.RetryBackoff * time.Duration(1<<uint(e.attempts-1))
		q.opts.Logger.Warn("persist: save failed, retrying",
			"key", e.key,
			"endpoint", e.endpoint,
			"attempt", e.attempts,
			"backoff_ms", backoff.Milliseconds(),
			"error", cls)
		q.stats.Retried++
		e.state = StateRetrying
		q.armLocked(e, backoff)
	default:
		var te *connectivity.TransportError
		if errors.As(cls, &te) {
			te.Attempts = e.attempts
		}
		q.opts.Logger.Error("persist: save failed",
			"key", e.key,
			"endpoint", e.endpoint,
			"attempts", e.attempts,
			"error", cls)
		after = append(after, q.finalizeLocked(e, Result{Err: cls}))
	}
	return after
}

// attemptDoneLocked forgets the in-flight marker of a finished attempt and
// drops idle keys.
func (q *Queue) attemptDoneLocked(key string, done chan struct{}) {
	ks := q.keys[key]
	if ks == nil {
		return
	}
	if ks.inflight == done {
		ks.inflight = nil
	}
	q.gcLocked(key, ks)
}

func (q *Queue) gcLocked(key string, ks *keyState) {
	if ks.current == nil && len(ks.waiting) == 0 && ks.inflight == nil {
		delete(q.keys, key)
	}
}

// abortLocked cancels e and resolves it aborted with err.
func (q *Queue) abortLocked(e *entry, err error) func() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	return q.resolveLocked(e, Result{Aborted: true, Err: err})
}

// finalizeLocked resolves the current entry of its key and promotes the
// next waiting entry.
func (q *Queue) finalizeLocked(e *entry, res Result) func() {
	notify := q.resolveLocked(e, res)
	ks := q.keys[e.key]
	if ks == nil || ks.current != e {
		return notify
	}
	ks.current = nil
	var after []func()
	if len(ks.waiting) > 0 && !q.closed {
		next := ks.waiting[0]
		ks.waiting = ks.waiting[1:]
		ks.current = next
		q.scheduleLocked(next, &after)
	}
	q.gcLocked(e.key, ks)
	return func() {
		notify()
		runAll(after)
	}
}

// resolveLocked records the result once and returns the notification to
// run after the lock is released: OnComplete first, then the waiters.
func (q *Queue) resolveLocked(e *entry, res Result) func() {
	if e.finalized {
		return func() {}
	}
	e.finalized = true
	res.Attempts = e.attempts
	res.Resumed = e.resumed
	switch {
	case res.Success:
		e.state = StateSucceeded
		q.stats.Succeeded++
	case res.Aborted:
		e.state = StateAborted
		q.stats.Aborted++
	default:
		e.state = StateFailed
		q.stats.Failed++
	}
	e.pending.result = res
	cb, done := e.opts.OnComplete, e.pending.done
	return func() {
		defer close(done)
		if cb != nil {
			cb(res)
		}
	}
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Flush starts the scheduled save of key now instead of waiting for its
// debounce or backoff timer.
func (q *Queue) Flush(key string) {
	var after []func()
	q.mu.Lock()
	if ks := q.keys[key]; ks != nil {
		q.flushLocked(ks, &after)
	}
	q.mu.Unlock()
	runAll(after)
}

// FlushAll flushes every key.
func (q *Queue) FlushAll() {
	var after []func()
	q.mu.Lock()
	for _, ks := range q.keys {
		q.flushLocked(ks, &after)
	}
	q.mu.Unlock()
	runAll(after)
}

func (q *Queue) flushLocked(ks *keyState, after *[]func()) {
	e := ks.current
	if e == nil || e.finalized {
		return
	}
	if e.state == StateScheduled || e.state == StateRetrying {
		q.attemptLocked(e, after)
	}
}

// unload switches every later attempt to beacon delivery and flushes.
func (q *Queue) unload() {
	q.mu.Lock()
	q.unloading = true
	q.mu.Unlock()
	q.opts.Logger.Info("persist: unloading, flushing pending saves")
	q.FlushAll()
}

// resume queues the parked offline saves again.
func (q *Queue) resume() {
	q.mu.Lock()
	if q.closed || len(q.parked) == 0 {
		q.mu.Unlock()
		return
	}
	saves := q.parked
	q.parked = make(map[string]parked)
	q.stats.Resumed += len(saves)
	q.mu.Unlock()

	for key, p := range saves {
		q.opts.Logger.Info("persist: back online, resuming save", "key", key)
		q.enqueue(key, p.body, p.endpoint, p.opts, true)
	}
}

// Pending returns the number of unresolved saves for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ks := q.keys[key]
	if ks == nil {
		return 0
	}
	n := len(ks.waiting)
	if ks.current != nil {
		n++
	}
	return n
}

// State returns the state of the current save for key.
func (q *Queue) State(key string) (State, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ks := q.keys[key]
	if ks == nil || ks.current == nil {
		return 0, false
	}
	return ks.current.state, true
}

// Parked reports whether an offline save is parked for key.
func (q *Queue) Parked(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.parked[key]
	return ok
}

// Stats returns activity counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close aborts every unresolved save, unregisters the environment hooks
// and waits for in-flight requests to return.
func (q *Queue) Close() {
	var after []func()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	err := errors.Join(connectivity.ErrAborted, ErrClosed)
	for _, ks := range q.keys {
		for _, e := range append([]*entry{ks.current}, ks.waiting...) {
			if e != nil {
				after = append(after, q.abortLocked(e, err))
			}
		}
		ks.current, ks.waiting = nil, nil
	}
	q.parked = make(map[string]parked)
	q.mu.Unlock()

	for _, un := range q.unregister {
		un()
	}
	q.cancel()
	runAll(after)
	q.wg.Wait()
}
