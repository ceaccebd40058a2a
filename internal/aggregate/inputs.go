package aggregate

import (
	"context"
	"sync"

	"github.com/sells-group/qualify-cli/internal/model"
)

// leadInputs serves identity fields to strategies. Fields provided by another
// source block until that source finishes or the caller's context is done.
type leadInputs struct {
	static map[string]string

	mu       sync.Mutex
	provided map[string]*providedField
}

type providedField struct {
	done  chan struct{}
	value string
}

func newLeadInputs(static map[string]string, providedKeys []string) *leadInputs {
	in := &leadInputs{
		static:   static,
		provided: make(map[string]*providedField, len(providedKeys)),
	}
	for _, k := range providedKeys {
		if static[k] != "" {
			continue
		}
		in.provided[k] = &providedField{done: make(chan struct{})}
	}
	return in
}

// Get implements waterfall.Inputs.
func (in *leadInputs) Get(ctx context.Context, key string) (string, bool) {
	if v := in.static[key]; v != "" {
		return v, true
	}
	in.mu.Lock()
	pf, ok := in.provided[key]
	in.mu.Unlock()
	if !ok {
		return "", false
	}
	select {
	case <-pf.done:
		return pf.value, pf.value != ""
	case <-ctx.Done():
		return "", false
	}
}

// publish releases the fields provided by a finished source. A source that
// produced nothing releases its waiters with an empty value.
func (in *leadInputs) publish(keys []string, res model.EnrichmentResult) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, k := range keys {
		pf, ok := in.provided[k]
		if !ok {
			continue
		}
		select {
		case <-pf.done:
			continue
		default:
		}
		if res.Produced() {
			for _, sig := range res.Signals {
				if string(sig.Kind) == k {
					if s, isStr := sig.Value.(string); isStr {
						pf.value = s
					}
				}
			}
		}
		close(pf.done)
	}
}
