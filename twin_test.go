package twin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-twin/eventbus"
	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/schema"
)

func newRuntime(t *testing.T, cfg Config, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatal("New():", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Shutdown(ctx); err != nil {
			t.Error("Shutdown():", err)
		}
	})
	return rt
}

// meterTwin is a small twin: a float property, a string property, a reference to
// the float, a gauge operation and an event.
func meterTwin(id string, extra ...schema.Element) *schema.Twin {
	elems := []schema.Element{
		&schema.Property{IDShort: "Value", ValueType: schema.TypeFloat, Value: schema.Float(0)},
		&schema.Property{IDShort: "Label", ValueType: schema.TypeString, Value: schema.String(id)},
		&schema.ReferenceElement{IDShort: "Alias", Target: "M.Value"},
		&schema.Operation{
			IDShort: "Set",
			Inputs:  []schema.Variable{{Name: "value", ValueType: schema.TypeFloat}, {Name: "label", ValueType: schema.TypeString}},
			Outputs: []schema.Variable{{Name: "previous", ValueType: schema.TypeFloat}},
		},
		&schema.Event{IDShort: "Changed"},
	}
	return &schema.Twin{ID: id, Submodels: []schema.Submodel{{ID: "M", Elements: append(elems, extra...)}}}
}

// setLogic writes the label before the value, and emits Changed.
var setLogic = operation.Logic{}.Handle("M.Set", operation.HandlerFunc(func(ctx context.Context, in operation.Values, fx operation.Effects) (operation.Values, error) {
	prev, err := fx.Read(ctx, "M.Value")
	if err != nil {
		return nil, err
	}
	if err := fx.Write(ctx, "M.Label", in["label"]); err != nil {
		return nil, err
	}
	if err := fx.Write(ctx, "M.Value", in["value"]); err != nil {
		return nil, err
	}
	if err := fx.Emit(ctx, "M.Changed", schema.Record{"value": in["value"]}); err != nil {
		return nil, err
	}
	return operation.Values{"previous": prev}, nil
}))

func instantiate(t *testing.T, rt *Runtime, twin *schema.Twin, logic operation.Logic) *Handle {
	t.Helper()
	h, err := rt.Instantiate(context.Background(), twin, logic)
	if err != nil {
		t.Fatal("Instantiate():", err)
	}
	return h
}

func TestInstantiateRejects(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	ctx := context.Background()

	loop := &schema.Collection{IDShort: "Loop"}
	loop.Children = []schema.Element{loop}
	tests := []struct {
		name  string
		twin  *schema.Twin
		logic operation.Logic
		want  error
	}{
		{"DuplicateShortName", meterTwin("a", &schema.Event{IDShort: "Value"}), operation.Logic{}, ErrInvalidSchema},
		{"CyclicCollection", meterTwin("a", loop), operation.Logic{}, ErrCyclicStructure},
		{"MistypedInitialValue", meterTwin("a", &schema.Property{IDShort: "X", ValueType: schema.TypeBool, Value: schema.Float(1)}), operation.Logic{}, ErrTypeMismatch},
		{"HandlerOnProperty", meterTwin("a"), operation.Logic{}.Handle("M.Value", operation.HandlerFunc(nil)), ErrInvalidLogic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rt.Instantiate(ctx, tt.twin, tt.logic); !errors.Is(err, tt.want) {
				t.Errorf("Instantiate() = %v; want %v", err, tt.want)
			}
			if _, ok := rt.Lookup("a"); ok {
				t.Error("rejected twin is registered")
			}
		})
	}

	instantiate(t, rt, meterTwin("a"), operation.Logic{})
	if _, err := rt.Instantiate(ctx, meterTwin("a"), operation.Logic{}); !errors.Is(err, ErrDuplicateTwin) {
		t.Errorf("Instantiate(duplicate) = %v; want %v", err, ErrDuplicateTwin)
	}
	if diff := cmp.Diff([]string{"a"}, rt.Twins()); diff != "" {
		t.Error("Twins() differs:", diff)
	}
}

func TestLinearizableWrites(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	h := instantiate(t, rt, meterTwin("a"), operation.Logic{})
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Write(ctx, "M.Value", schema.Float(float64(i))); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error("Write():", err)
	}

	r, err := h.Read(ctx, "M.Value")
	if err != nil {
		t.Fatal("Read():", err)
	}
	if r.Version != n {
		t.Errorf("version = %d; want %d", r.Version, n)
	}
	if f, ok := r.Value.(schema.Float); !ok || f < 0 || f >= n || f != schema.Float(int(f)) {
		t.Errorf("value = %v; want one of the written values", r.Value)
	}
}

func TestTypeSafety(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	h := instantiate(t, rt, meterTwin("a"), operation.Logic{})
	ctx := context.Background()

	_, err := h.Write(ctx, "M.Value", schema.String("hello"))
	var se *StateError
	if !errors.Is(err, ErrTypeMismatch) || !errors.As(err, &se) {
		t.Fatalf("Write(string) = %v; want a type mismatch StateError", err)
	}
	if _, err := h.Write(ctx, "M.Alias", schema.Float(1)); !errors.Is(err, ErrNotWritable) {
		t.Errorf("Write(reference) = %v; want %v", err, ErrNotWritable)
	}
	r, err := h.Read(ctx, "M.Value")
	if err != nil {
		t.Fatal("Read():", err)
	}
	if r.Value != schema.Float(0) {
		t.Errorf("value after rejected writes = %v; want 0", r.Value)
	}
}

func TestReadThroughReferences(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	a := instantiate(t, rt, meterTwin("a"), operation.Logic{})
	b := instantiate(t, rt, meterTwin("b", &schema.ReferenceElement{IDShort: "Remote", Target: "a#M.Alias"}), operation.Logic{})
	ctx := context.Background()

	if _, err := a.Write(ctx, "M.Value", schema.Float(5)); err != nil {
		t.Fatal("Write():", err)
	}
	for _, tc := range []struct {
		h       *Handle
		address string
	}{{a, "M.Alias"}, {b, "M.Remote"}, {b, "a#M.Value"}} {
		r, err := tc.h.Read(ctx, tc.address)
		if err != nil {
			t.Fatalf("Read(%s) at %s: %v", tc.address, tc.h.ID(), err)
		}
		if r.Value != schema.Float(5) {
			t.Errorf("Read(%s) at %s = %v; want 5", tc.address, tc.h.ID(), r.Value)
		}
	}

	if _, err := a.Write(ctx, "M.Value", schema.Float(7)); err != nil {
		t.Fatal("Write():", err)
	}
	r, err := b.Read(ctx, "M.Remote")
	if err != nil {
		t.Fatal("Read():", err)
	}
	if r.Value != schema.Float(7) {
		t.Errorf("Read(M.Remote) after update = %v; want 7", r.Value)
	}
	if got, want := r.Address.String(), "a#M.Value"; got != want {
		t.Errorf("Read(M.Remote).Address = %s; want %s", got, want)
	}
}

func TestReferenceDepth(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	ctx := context.Background()

	// Twins t1..t8 each refer to the next; t9 refers to its own value. Reading t1
	// follows nine references, reading t2 eight.
	for i := 9; i >= 1; i-- {
		target := fmt.Sprintf("t%d#M.Next", i+1)
		if i == 9 {
			target = "M.Value"
		}
		instantiate(t, rt, meterTwin(fmt.Sprintf("t%d", i), &schema.ReferenceElement{IDShort: "Next", Target: target}), operation.Logic{})
	}
	t1, _ := rt.Lookup("t1")
	t2, _ := rt.Lookup("t2")

	if _, err := t2.Read(ctx, "M.Next"); err != nil {
		t.Errorf("Read(8 references) = %v; want nil", err)
	}
	_, err := t1.Read(ctx, "M.Next")
	var re *ResolutionError
	if !errors.Is(err, ErrReferenceCycleOrTooDeep) || !errors.As(err, &re) {
		t.Errorf("Read(9 references) = %v; want %v", err, ErrReferenceCycleOrTooDeep)
	}
}

func TestUnreachableTwin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResolveTimeout = 50 * time.Millisecond
	rt := newRuntime(t, cfg)
	a := instantiate(t, rt, meterTwin("a", &schema.ReferenceElement{IDShort: "Peer", Target: "b#M.Value"}), operation.Logic{})
	b := instantiate(t, rt, meterTwin("b"), operation.Logic{})
	ctx := context.Background()

	if _, err := a.Read(ctx, "ghost#M.Value"); !errors.Is(err, ErrUnreachableTwin) {
		t.Errorf("Read(unknown twin) = %v; want %v", err, ErrUnreachableTwin)
	}

	// A suspended twin does not answer lookups.
	if err := b.Suspend(ctx); err != nil {
		t.Fatal("Suspend():", err)
	}
	start := time.Now()
	if _, err := a.Read(ctx, "M.Peer"); !errors.Is(err, ErrUnreachableTwin) {
		t.Errorf("Read(suspended twin) = %v; want %v", err, ErrUnreachableTwin)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Read(suspended twin) took %s; want about %s", d, cfg.ResolveTimeout)
	}
	if err := b.Resume(ctx); err != nil {
		t.Fatal("Resume():", err)
	}
	if _, err := a.Read(ctx, "M.Peer"); err != nil {
		t.Errorf("Read(resumed twin) = %v; want nil", err)
	}
}

func TestCrossTwinCycle(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	a := instantiate(t, rt, meterTwin("a", &schema.ReferenceElement{IDShort: "Peer", Target: "b#M.Peer"}), operation.Logic{})
	instantiate(t, rt, meterTwin("b", &schema.ReferenceElement{IDShort: "Peer", Target: "a#M.Peer"}), operation.Logic{})

	start := time.Now()
	if _, err := a.Read(context.Background(), "M.Peer"); !errors.Is(err, ErrUnreachableTwin) {
		t.Errorf("Read(cycle) = %v; want %v", err, ErrUnreachableTwin)
	}
	// The chain of blocked twins short-circuits the lookup timeout.
	if d := time.Since(start); d >= DefaultConfig().ResolveTimeout {
		t.Errorf("Read(cycle) took %s; want less than the resolve timeout", d)
	}
}

func TestOperationAtomicity(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	h := instantiate(t, rt, meterTwin("a"), setLogic)
	ctx := context.Background()
	sub, err := h.Subscribe(ctx, "M.Changed")
	if err != nil {
		t.Fatal("Subscribe():", err)
	}

	_, err = h.Invoke(ctx, "M.Set", operation.Values{"value": schema.Float(3), "label": schema.Integer(1)})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Invoke(invalid) = %v; want %v", err, ErrInvalidInput)
	}
	r, err := h.Read(ctx, "M.Value")
	if err != nil {
		t.Fatal("Read():", err)
	}
	if r.Version != 0 {
		t.Errorf("version after invalid invocation = %d; want 0", r.Version)
	}
	if l, _ := h.Read(ctx, "M.Label"); l.Version != 0 {
		t.Errorf("label version after invalid invocation = %d; want 0", l.Version)
	}

	out, err := h.Invoke(ctx, "M.Set", operation.Values{"value": schema.Float(3), "label": schema.String("x")})
	if err != nil {
		t.Fatal("Invoke():", err)
	}
	if diff := cmp.Diff(operation.Values{"previous": schema.Float(0)}, out); diff != "" {
		t.Error("Invoke() outputs differ:", diff)
	}
	select {
	case e := <-sub.C():
		if diff := cmp.Diff(schema.Record{"value": schema.Float(3)}, e.Payload); diff != "" {
			t.Error("event payload differs:", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event after a valid invocation")
	}
	select {
	case e := <-sub.C():
		t.Errorf("unexpected second event %v", e)
	default:
	}
}

func TestBadMessageDoesNotKillTwin(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	logic := operation.Logic{}.
		Handle("M.Set", operation.HandlerFunc(func(context.Context, operation.Values, operation.Effects) (operation.Values, error) {
			panic("broken handler")
		})).
		On("M.Label", func(context.Context, operation.Change, operation.Effects) error {
			panic("broken trigger")
		})
	h := instantiate(t, rt, meterTwin("a"), logic)
	ctx := context.Background()

	if _, err := h.Invoke(ctx, "M.Set", nil); !errors.Is(err, ErrOperationFailed) {
		t.Errorf("Invoke(panicking handler) = %v; want %v", err, ErrOperationFailed)
	}
	ack, err := h.Write(ctx, "M.Label", schema.String("x"))
	if !errors.Is(err, ErrFault) {
		t.Errorf("Write(panicking trigger) = %v; want %v", err, ErrFault)
	}
	if ack.Version != 1 {
		t.Errorf("Write(panicking trigger) version = %d; want the write to commit", ack.Version)
	}
	if _, err := h.Read(ctx, "M.Nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read(missing) = %v; want %v", err, ErrNotFound)
	}
	if _, err := h.Write(ctx, "M.Value", schema.Float(1)); err != nil {
		t.Errorf("Write() after failures = %v; want nil", err)
	}
	if got := h.Status(); got != StatusActive {
		t.Errorf("Status() = %s; want %s", got, StatusActive)
	}
}

// levelRecorder keeps the level of every failed message it handles, keyed by
// the kind of message.
type levelRecorder struct {
	mu     sync.Mutex
	levels []string
}

func (r *levelRecorder) Enabled(context.Context, slog.Level) bool { return true }
func (r *levelRecorder) WithAttrs([]slog.Attr) slog.Handler       { return r }
func (r *levelRecorder) WithGroup(string) slog.Handler            { return r }

func (r *levelRecorder) Handle(_ context.Context, rec slog.Record) error {
	if rec.Message != "Message failed" {
		return nil
	}
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "message" {
			r.mu.Lock()
			r.levels = append(r.levels, a.Value.String()+" "+rec.Level.String())
			r.mu.Unlock()
			return false
		}
		return true
	})
	return nil
}

func TestFailureLogLevels(t *testing.T) {
	rec := new(levelRecorder)
	ctx := component.InjectLogger(context.Background(), slog.New(rec))
	rt, err := New(ctx, DefaultConfig())
	if err != nil {
		t.Fatal("New():", err)
	}
	defer rt.Shutdown(context.Background())
	logic := operation.Logic{}.
		Handle("M.Set", operation.HandlerFunc(func(context.Context, operation.Values, operation.Effects) (operation.Values, error) {
			panic("broken handler")
		})).
		Handle("M.Refuse", operation.HandlerFunc(func(context.Context, operation.Values, operation.Effects) (operation.Values, error) {
			return nil, operation.Failf("not now")
		})).
		On("M.Label", func(context.Context, operation.Change, operation.Effects) error {
			panic("broken trigger")
		})
	h := instantiate(t, rt, meterTwin("a", &schema.Operation{IDShort: "Refuse"}), logic)

	// Faults of the twin's logic are errors; requests the twin rightly refuses
	// are warnings.
	_, _ = h.Invoke(ctx, "M.Set", nil)
	_, _ = h.Write(ctx, "M.Label", schema.String("x"))
	_, _ = h.Invoke(ctx, "M.Refuse", nil)
	_, _ = h.Read(ctx, "M.Nope")
	_, _ = h.Write(ctx, "M.Value", schema.String("x"))

	want := []string{
		"InvokeOperation ERROR",
		"WriteAddress ERROR",
		"InvokeOperation WARN",
		"ReadAddress WARN",
		"WriteAddress WARN",
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if diff := cmp.Diff(want, rec.levels); diff != "" {
		t.Error("levels of failed messages differ:", diff)
	}
}

func TestTriggerCascade(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTriggerDepth = 3
	rt := newRuntime(t, cfg)
	var fired int
	logic := operation.Logic{}.On("M.Value", func(ctx context.Context, c operation.Change, fx operation.Effects) error {
		fired++
		return fx.Write(ctx, "M.Value", c.Value.(schema.Float)+1)
	})
	h := instantiate(t, rt, meterTwin("a"), logic)

	ack, err := h.Write(context.Background(), "M.Value", schema.Float(0))
	if !errors.Is(err, ErrTriggerCascade) {
		t.Errorf("Write() = %v; want %v", err, ErrTriggerCascade)
	}
	if ack.Version != 1 {
		t.Errorf("Write() version = %d; want 1", ack.Version)
	}
	r, err := h.Read(context.Background(), "M.Value")
	if err != nil {
		t.Fatal("Read():", err)
	}
	if fired != 3 || r.Value != schema.Float(3) {
		t.Errorf("after cascade: fired %d, value %v; want 3, 3", fired, r.Value)
	}
}

// blocker returns logic whose Set handler blocks until release is closed, and a
// channel receiving a value once the handler started.
func blocker() (operation.Logic, chan struct{}, chan struct{}) {
	started, release := make(chan struct{}, 1), make(chan struct{})
	logic := operation.Logic{}.Handle("M.Set", operation.HandlerFunc(func(context.Context, operation.Values, operation.Effects) (operation.Values, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}))
	return logic, started, release
}

// counter counts the invocations of M.Set, which block until hold is closed.
func counter() (operation.Logic, *atomic.Int64, chan struct{}) {
	var n atomic.Int64
	hold := make(chan struct{})
	logic := operation.Logic{}.Handle("M.Set", operation.HandlerFunc(func(ctx context.Context, _ operation.Values, _ operation.Effects) (operation.Values, error) {
		n.Add(1)
		<-hold
		return nil, nil
	}))
	return logic, &n, hold
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting until", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvery(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	logic, n, hold := counter()
	close(hold)
	h := instantiate(t, rt, meterTwin("a"), logic)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := h.Every(ctx, 10*time.Millisecond, "M.Set", nil)
	eventually(t, "three scheduled invocations ran", func() bool { return n.Load() >= 3 })

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule kept running after its context was cancelled")
	}
	// A call dispatched just before the cancellation may still be running.
	time.Sleep(20 * time.Millisecond)
	after := n.Load()
	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != after {
		t.Errorf("%d invocations after the schedule stopped; want none", got-after)
	}
}

func TestEveryStopsWithTwin(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	logic, n, hold := counter()
	close(hold)
	h := instantiate(t, rt, meterTwin("a"), logic)

	stopped := h.Every(context.Background(), 10*time.Millisecond, "M.Set", nil)
	eventually(t, "a scheduled invocation ran", func() bool { return n.Load() >= 1 })
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatal("Shutdown():", err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule kept running after the twin terminated")
	}
}

func TestEverySkipsTicksOfPendingInvocation(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	logic, n, hold := counter()
	h := instantiate(t, rt, meterTwin("a"), logic)

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time, 1) // buffered like a time.Ticker
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.every(ctx, ticks, "M.Set", nil)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	ticks <- time.Now()
	eventually(t, "the first invocation started", func() bool { return n.Load() == 1 })
	// The invocation is pending: further ticks are dropped or buffered, as a
	// ticker does.
	for range 3 {
		select {
		case ticks <- time.Now():
		default:
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("%d invocations while the first was pending; want 1", got)
	}
	close(hold)

	// The buffered tick is discarded once the pending invocation completes, so
	// only this one leads to an invocation.
	ticks <- time.Now()
	eventually(t, "the second invocation started", func() bool { return n.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 2 {
		t.Errorf("%d invocations after two effective ticks; want 2", got)
	}
}

func TestSuspendResume(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	h := instantiate(t, rt, meterTwin("a"), operation.Logic{})
	ctx := context.Background()

	if err := h.Suspend(ctx); err != nil {
		t.Fatal("Suspend():", err)
	}
	if got := h.Status(); got != StatusSuspended {
		t.Errorf("Status() = %s; want %s", got, StatusSuspended)
	}
	c, err := h.Send(ctx, WriteAddress{Address: "M.Value", Value: schema.Float(1)})
	if err != nil {
		t.Fatal("Send():", err)
	}
	select {
	case <-c.Done():
		t.Fatal("suspended twin processed a data message")
	case <-time.After(50 * time.Millisecond):
	}
	if err := h.Resume(ctx); err != nil {
		t.Fatal("Resume():", err)
	}
	if _, err := c.Wait(ctx); err != nil {
		t.Errorf("queued Write() = %v; want nil", err)
	}
}

func TestCancelQueued(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	logic, started, release := blocker()
	h := instantiate(t, rt, meterTwin("a"), logic)
	ctx := context.Background()

	running, err := h.Send(ctx, InvokeOperation{Address: "M.Set"})
	if err != nil {
		t.Fatal("Send():", err)
	}
	<-started
	queued, err := h.Send(ctx, WriteAddress{Address: "M.Value", Value: schema.Float(1)})
	if err != nil {
		t.Fatal("Send():", err)
	}
	if running.Cancel() {
		t.Error("Cancel() of a running call = true; want false")
	}
	if !queued.Cancel() {
		t.Error("Cancel() of a queued call = false; want true")
	}
	close(release)
	if _, err := running.Wait(ctx); err != nil {
		t.Errorf("running call = %v; want nil", err)
	}
	if _, err := queued.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("cancelled call = %v; want %v", err, ErrCancelled)
	}
	if r, _ := h.Read(ctx, "M.Value"); r.Version != 0 {
		t.Errorf("version = %d; want the cancelled write not to happen", r.Version)
	}
}

func TestMailboxFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MailboxCapacity = 1
	rt := newRuntime(t, cfg)
	logic, started, release := blocker()
	defer close(release)
	h := instantiate(t, rt, meterTwin("a"), logic)
	ctx := context.Background()

	if _, err := h.Send(ctx, InvokeOperation{Address: "M.Set"}); err != nil {
		t.Fatal("Send():", err)
	}
	<-started
	if _, err := h.Send(ctx, ReadAddress{Address: "M.Value"}); err != nil {
		t.Fatal("Send():", err)
	}
	if _, err := h.Send(ctx, ReadAddress{Address: "M.Value"}); !errors.Is(err, ErrMailboxFull) {
		t.Errorf("Send() to a full mailbox = %v; want %v", err, ErrMailboxFull)
	}
}

func TestShutdownPolicies(t *testing.T) {
	tests := []struct {
		policy ShutdownPolicy
		want   error
	}{
		{Drain, nil},
		{Discard, ErrTerminated},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ShutdownPolicy = tt.policy
			rt := newRuntime(t, cfg)
			logic, started, release := blocker()
			h := instantiate(t, rt, meterTwin("a"), logic)
			ctx := context.Background()

			if _, err := h.Send(ctx, InvokeOperation{Address: "M.Set"}); err != nil {
				t.Fatal("Send():", err)
			}
			<-started
			queued, err := h.Send(ctx, WriteAddress{Address: "M.Value", Value: schema.Float(1)})
			if err != nil {
				t.Fatal("Send():", err)
			}
			shutdown := make(chan error, 1)
			go func() { shutdown <- h.Shutdown(ctx) }()

			// Wait for the shutdown to be processed: new messages are rejected.
			deadline := time.Now().Add(5 * time.Second)
			for {
				_, err := h.Send(ctx, ReadAddress{Address: "M.Value"})
				if errors.Is(err, ErrTerminated) {
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("twin kept accepting messages after Shutdown")
				}
				time.Sleep(time.Millisecond)
			}
			close(release)

			if err := <-shutdown; err != nil {
				t.Fatal("Shutdown():", err)
			}
			if _, err := queued.Wait(ctx); !errors.Is(err, tt.want) {
				t.Errorf("queued call = %v; want %v", err, tt.want)
			}
			if got := h.Status(); got != StatusTerminated {
				t.Errorf("Status() = %s; want %s", got, StatusTerminated)
			}
			if _, ok := rt.Lookup("a"); ok {
				t.Error("terminated twin is still registered")
			}
			if err := h.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() = %v; want nil", err)
			}
		})
	}
}

func TestSubscriptionsEndWithTwin(t *testing.T) {
	rt := newRuntime(t, DefaultConfig())
	h := instantiate(t, rt, meterTwin("a"), setLogic)
	ctx := context.Background()

	if _, err := h.Subscribe(ctx, "M.Value"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Subscribe(property) = %v; want %v", err, ErrTypeMismatch)
	}
	all, err := h.Subscribe(ctx, "")
	if err != nil {
		t.Fatal("Subscribe():", err)
	}
	global := rt.Subscribe("a", "M.Changed")
	defer rt.Unsubscribe(global)

	if _, err := h.Invoke(ctx, "M.Set", operation.Values{"value": schema.Float(1)}); err != nil {
		t.Fatal("Invoke():", err)
	}
	for _, s := range []*eventbus.Subscription{all, global} {
		select {
		case e := <-s.C():
			if e.Twin != "a" || e.Name != "M.Changed" {
				t.Errorf("%s received %s/%s", s.Filter(), e.Twin, e.Name)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s received nothing", s.Filter())
		}
	}

	if err := h.Shutdown(ctx); err != nil {
		t.Fatal("Shutdown():", err)
	}
	if _, ok := <-all.C(); ok {
		t.Error("subscription opened through the twin survived its shutdown")
	}
}

type lifecycle struct {
	mu     sync.Mutex
	events []string
}

func (l *lifecycle) TwinInstantiated(_ context.Context, h *Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "+"+h.ID())
}

func (l *lifecycle) TwinTerminated(_ context.Context, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "-"+id)
}

func TestRuntimeShutdown(t *testing.T) {
	obs := &lifecycle{}
	rt, err := New(context.Background(), DefaultConfig(), WithObserver(obs))
	if err != nil {
		t.Fatal("New():", err)
	}
	ctx := context.Background()
	a := instantiate(t, rt, meterTwin("a"), operation.Logic{})
	b := instantiate(t, rt, meterTwin("b"), operation.Logic{})

	if err := rt.Shutdown(ctx); err != nil {
		t.Fatal("Shutdown():", err)
	}
	for _, h := range []*Handle{a, b} {
		if got := h.Status(); got != StatusTerminated {
			t.Errorf("%s Status() = %s; want %s", h.ID(), got, StatusTerminated)
		}
	}
	if _, err := rt.Instantiate(ctx, meterTwin("c"), operation.Logic{}); !errors.Is(err, ErrTerminated) {
		t.Errorf("Instantiate() after Shutdown = %v; want %v", err, ErrTerminated)
	}
	if _, err := a.Read(ctx, "M.Value"); !errors.Is(err, ErrTerminated) {
		t.Errorf("Read() after Shutdown = %v; want %v", err, ErrTerminated)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.events) != 4 || obs.events[0] != "+a" || obs.events[1] != "+b" {
		t.Errorf("observed %v; want both twins instantiated then terminated", obs.events)
	}
}
