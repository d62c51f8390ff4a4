package broker

import (
	"context"
	"sync"
)

// fakeSpawner is a sshdSpawner that never execs a real sshd, used by
// engine_test.go to exercise provisioning without the host environment.
type fakeSpawner struct {
	mu       sync.Mutex
	spawned  []fakeSpawnCall
	failNext bool
	failErr  error
}

type fakeSpawnCall struct {
	sshdPort, localPort int
	script              string
}

func (f *fakeSpawner) Spawn(_ context.Context, sshdPort, localPort int, script string, _ func(*SupervisedChild, error)) (*SupervisedChild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, fakeSpawnCall{sshdPort: sshdPort, localPort: localPort, script: script})
	if f.failNext {
		f.failNext = false
		return nil, f.failErr
	}
	return &SupervisedChild{sshdPort: sshdPort}, nil
}

func (f *fakeSpawner) calls() []fakeSpawnCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSpawnCall, len(f.spawned))
	copy(out, f.spawned)
	return out
}
