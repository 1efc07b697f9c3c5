package reload

import (
	"context"
	"sync"
)

// Lease is a scoped reference to a Factory. Release drops the reference and
// the dependent registration exactly once, however often it is called.
type Lease struct {
	factory *Factory
	dep     Dependent

	once sync.Once
	err  error
}

func newLease(f *Factory, d Dependent) *Lease {
	return &Lease{factory: f, dep: d}
}

// Factory returns the leased factory.
func (l *Lease) Factory() *Factory { return l.factory }

// Runtime returns the leased factory's runtime.
func (l *Lease) Runtime() *Runtime { return l.factory.runtime }

// Release unregisters the dependent, if any, then drops the reference. The
// runtime is destroyed if this was the last reference, which waits for any
// in-flight restart to finish.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if l.dep != nil {
			l.factory.Unregister(l.dep)
		}
		l.err = l.factory.Unreference(ctx)
	})
	return l.err
}
