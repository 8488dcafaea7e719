package trigger_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sumatoshi-tech/forgemirror/pkg/lifecycle"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

// recordingSink records triggered repositories. Names listed in errs fail.
type recordingSink struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func newSink() *recordingSink {
	return &recordingSink{errs: map[string]error{"missing": fmt.Errorf("%w: missing", lifecycle.ErrNotFound)}}
}

func (s *recordingSink) Trigger(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.errs[name]; err != nil {
		return err
	}

	s.calls = append(s.calls, name)

	return nil
}

func (s *recordingSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.calls...)
}

type staticLister []*store.Repository

func (l staticLister) Repositories(context.Context) ([]*store.Repository, error) {
	return l, nil
}
