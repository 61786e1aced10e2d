package lock

import (
	"fmt"

	"github.com/gofrs/flock"
)

type Guard struct {
	file *flock.Flock
}

// Acquire obtains a filesystem lock to prevent overlapping runs. An empty
// path disables locking entirely and returns a no-op guard: by default
// concurrent invocations are prevented operationally, not by the tool.
func Acquire(path string) (*Guard, error) {
	if path == "" {
		return &Guard{}, nil
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("another pgback run holds the lock (%s)", path)
	}
	return &Guard{file: lock}, nil
}

// Release frees the lock.
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	return g.file.Unlock()
}
