// Package container is the process-wide service registry.
//
// Every long-lived component of wooscrape is registered here under a typed
// key with one of three lifetimes:
//
//	Singleton  one instance per root container, shared by every scope
//	Scoped     one instance per container (root or scope)
//	Transient  a new instance on every Resolve
//
// Resolution chains are carried in the context so that a factory which
// (directly or indirectly) resolves its own key fails fast with
// ErrCircularDependency instead of recursing forever. A singleton being
// built by another goroutine is waited on, unless that build is itself
// waiting on the caller's chain, which is reported as a cycle too.
//
// Usage:
//
//	root := container.New()
//	root.Register(KeyStore, container.Registration{
//		Lifetime: container.Singleton,
//		Factory:  func(ctx context.Context, c *container.Container) (any, error) { ... },
//	})
//	st, err := container.Get[*Store](ctx, root, KeyStore)
//	defer root.Dispose(ctx)
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrServiceNotFound is returned when no container in the chain has a registration for the key.
var ErrServiceNotFound = errors.New("container: service not found")

// ErrCircularDependency is returned when a key is resolved again inside its own resolution.
var ErrCircularDependency = errors.New("container: circular dependency")

// Key identifies a registration.
type Key string

// Lifetime controls how often a registration's factory runs.
type Lifetime int

const (
	Singleton Lifetime = iota
	Scoped
	Transient
)

func (l Lifetime) String() string {
	switch l {
	case Singleton:
		return "singleton"
	case Scoped:
		return "scoped"
	case Transient:
		return "transient"
	}
	return fmt.Sprintf("lifetime(%d)", int(l))
}

// Factory builds an instance. c is the container the instance belongs to:
// the owning root for singletons, the resolving container otherwise.
type Factory func(ctx context.Context, c *Container) (any, error)

// Disposable is implemented by instances that hold resources. Scoped
// instances that implement it are closed when their container is disposed.
type Disposable interface {
	Close() error
}

// Registration describes how to build and tear down one service.
type Registration struct {
	Lifetime Lifetime
	Factory  Factory
	// Destroy is the explicit teardown hook for singletons, run by the
	// Dispose of the container the singleton is registered in.
	Destroy func(ctx context.Context, instance any) error
}

// registration is the stored form of a Registration. Singletons keep their
// instance here so that every scope derived from the root shares it.
type registration struct {
	Registration
	key Key

	mu       sync.Mutex
	instance any
	built    bool
	inflight *call
}

// Container holds registrations and the scoped instances created in it.
type Container struct {
	parent *Container
	logger *slog.Logger

	mu       sync.Mutex
	regs     map[Key]*registration
	scoped   map[Key]any
	order    []Key // scoped creation order, for deterministic disposal logs
	disposed bool
}

// Option configures a root Container.
type Option func(*Container)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) { c.logger = l }
}

// New creates a root container.
func New(opts ...Option) *Container {
	c := &Container{
		logger: slog.Default(),
		regs:   make(map[Key]*registration),
		scoped: make(map[Key]any),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateScope returns a child container. The child sees every registration
// of its ancestors and shares their singletons, but builds its own scoped
// instances.
func (c *Container) CreateScope() *Container {
	return &Container{
		parent: c,
		logger: c.logger,
		regs:   make(map[Key]*registration),
		scoped: make(map[Key]any),
	}
}

// IsRoot reports whether c has no parent.
func (c *Container) IsRoot() bool { return c.parent == nil }

// Register adds or replaces the registration for key in this container.
func (c *Container) Register(key Key, reg Registration) {
	if reg.Factory == nil {
		panic(fmt.Sprintf("container: nil factory for %q", key))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[key] = &registration{Registration: reg, key: key}
}

// Has reports whether key is registered in c or an ancestor.
func (c *Container) Has(key Key) bool {
	reg, _ := c.lookup(key)
	return reg != nil
}

// lookup walks the parent chain and returns the registration and the
// container that owns it.
func (c *Container) lookup(key Key) (*registration, *Container) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		reg, ok := cur.regs[key]
		cur.mu.Unlock()
		if ok {
			return reg, cur
		}
	}
	return nil, nil
}

// Resolve returns the instance registered under key.
func (c *Container) Resolve(ctx context.Context, key Key) (any, error) {
	if chainContains(ctx, key) {
		return nil, fmt.Errorf("%w: %s", ErrCircularDependency, formatChain(ctx, key))
	}

	reg, owner := c.lookup(key)
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}

	ctx = withResolving(ctx, key)

	switch reg.Lifetime {
	case Singleton:
		return c.resolveSingleton(ctx, reg, owner)
	case Scoped:
		return c.resolveScoped(ctx, reg)
	case Transient:
		return reg.Factory(ctx, c)
	default:
		return nil, fmt.Errorf("container: unknown lifetime %v for %s", reg.Lifetime, key)
	}
}

func (c *Container) resolveSingleton(ctx context.Context, reg *registration, owner *Container) (any, error) {
	reg.mu.Lock()
	if reg.built {
		inst := reg.instance
		reg.mu.Unlock()
		return inst, nil
	}
	if cl := reg.inflight; cl != nil {
		reg.mu.Unlock()
		return cl.wait(ctx)
	}
	cl := &call{key: reg.key, node: currentNode(ctx), done: make(chan struct{})}
	reg.inflight = cl
	reg.mu.Unlock()

	cl.run(ctx, reg.Factory, owner)

	reg.mu.Lock()
	if cl.err == nil {
		reg.instance = cl.val
		reg.built = true
	}
	reg.inflight = nil
	reg.mu.Unlock()
	close(cl.done)
	return cl.val, cl.err
}

func (c *Container) resolveScoped(ctx context.Context, reg *registration) (any, error) {
	c.mu.Lock()
	if inst, ok := c.scoped[reg.key]; ok {
		c.mu.Unlock()
		return inst, nil
	}
	c.mu.Unlock()

	inst, err := reg.Factory(ctx, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent resolve on the same scope may have won; keep the first.
	if existing, ok := c.scoped[reg.key]; ok {
		if d, ok := inst.(Disposable); ok {
			if err := d.Close(); err != nil {
				c.logger.Warn("container: close duplicate scoped instance", "key", reg.key, "error", err)
			}
		}
		return existing, nil
	}
	c.scoped[reg.key] = inst
	c.order = append(c.order, reg.key)
	return inst, nil
}

// Get resolves key and asserts the instance to T.
func Get[T any](ctx context.Context, c *Container, key Key) (T, error) {
	var zero T
	inst, err := c.Resolve(ctx, key)
	if err != nil {
		return zero, err
	}
	v, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("container: %s resolved to %T, not %T", key, inst, zero)
	}
	return v, nil
}

// MustGet is Get for wiring code that cannot continue without the service.
func MustGet[T any](ctx context.Context, c *Container, key Key) T {
	v, err := Get[T](ctx, c, key)
	if err != nil {
		panic(err)
	}
	return v
}

// Dispose closes every scoped instance created in c and runs the Destroy
// hook of each built singleton registered in c. Singletons inherited from an
// ancestor are left to the ancestor. All teardown calls run in parallel;
// their errors are joined.
func (c *Container) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true

	type job struct {
		key Key
		fn  func() error
	}
	var jobs []job

	for _, key := range c.order {
		inst := c.scoped[key]
		if d, ok := inst.(Disposable); ok {
			jobs = append(jobs, job{key: key, fn: d.Close})
		}
	}
	c.scoped = make(map[Key]any)
	c.order = nil

	var regs []*registration
	for _, reg := range c.regs {
		regs = append(regs, reg)
	}
	c.mu.Unlock()

	for _, reg := range regs {
		reg.mu.Lock()
		if reg.Lifetime == Singleton && reg.built && reg.Destroy != nil {
			inst, destroy := reg.instance, reg.Destroy
			jobs = append(jobs, job{key: reg.key, fn: func() error { return destroy(ctx, inst) }})
		}
		reg.instance = nil
		reg.built = false
		reg.mu.Unlock()
	}

	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := j.fn(); err != nil {
				errs[i] = fmt.Errorf("dispose %s: %w", j.key, err)
			}
		}()
	}
	wg.Wait()

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("container: dispose finished with errors", "error", err)
	}
	return err
}
