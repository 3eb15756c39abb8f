package card

import (
	"context"
	"io"
	"sync"
)

// Arbiter decides whether the card can be taken from the appliance right now.
// It must answer immediately and never wait for the appliance to go idle.
type Arbiter interface {
	TryTake(ctx context.Context) (bool, error)
	Give()
}

// ArbiterFunc adapts a plain function into an Arbiter with a no-op Give
type ArbiterFunc func(ctx context.Context) (bool, error)

func (f ArbiterFunc) TryTake(ctx context.Context) (bool, error) { return f(ctx) }
func (f ArbiterFunc) Give()                                      {}

// AlwaysFree is the Arbiter for a card nobody else shares
var AlwaysFree Arbiter = ArbiterFunc(func(context.Context) (bool, error) { return true, nil })

// Gate wraps an FS with exclusive ownership. Every operation fails with
// ErrBusy unless the lease is currently held.
type Gate struct {
	fs      FS
	arbiter Arbiter

	mu   sync.Mutex
	held bool
}

// NewGate guards fs with arbiter
func NewGate(fs FS, arbiter Arbiter) *Gate {
	if arbiter == nil {
		arbiter = AlwaysFree
	}
	return &Gate{fs: fs, arbiter: arbiter}
}

// TryAcquire takes the card if the arbiter allows it. It never blocks on the appliance.
func (g *Gate) TryAcquire(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := g.arbiter.TryTake(ctx)
	if err != nil || !ok {
		return false, err
	}
	g.held = true
	return true, nil
}

// Release hands the card back to the appliance
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		return
	}
	g.held = false
	g.arbiter.Give()
}

// Held reports whether the lease is currently held
func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

func (g *Gate) check() error {
	if !g.Held() {
		return ErrBusy
	}
	return nil
}

func (g *Gate) Open(name string) (Handle, error) {
	if err := g.check(); err != nil {
		return Handle{}, err
	}
	return g.fs.Open(name)
}

func (g *Gate) ListEntries(h Handle) ([]Entry, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.fs.ListEntries(h)
}

func (g *Gate) OpenReader(name string) (io.ReadCloser, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.fs.OpenReader(name)
}

func (g *Gate) ReadFile(name string) ([]byte, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.fs.ReadFile(name)
}

func (g *Gate) WriteFileAtomic(name string, data []byte) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.fs.WriteFileAtomic(name, data)
}
