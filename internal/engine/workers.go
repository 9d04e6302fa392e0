package engine

import "fmt"

// Worker is one supervised background loop. Every worker in the engine
// follows the same contract: Start fails if already running, Stop
// blocks until the pass in flight finishes, Stats reports liveness.
type Worker interface {
	Start() error
	Stop()
	IsRunning() bool
	Stats() map[string]any
}

type namedWorker struct {
	name string
	w    Worker
}

// RegisterWorker adds a worker to the supervision set. Registration
// order is start order; shutdown runs in reverse.
func (e *Engine) RegisterWorker(name string, w Worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workers = append(e.workers, namedWorker{name: name, w: w})
}

// StartWorkers starts every registered worker in registration order.
// On failure the already-started workers are stopped, newest first, and
// the error is returned.
func (e *Engine) StartWorkers() error {
	workers := e.snapshot()
	for i, nw := range workers {
		if err := nw.w.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				workers[j].w.Stop()
			}
			return fmt.Errorf("start worker %s: %w", nw.name, err)
		}
		e.logger.Info().Str("worker", nw.name).Msg("worker started")
	}
	return nil
}

// StopWorkers stops every registered worker in reverse start order.
func (e *Engine) StopWorkers() {
	workers := e.snapshot()
	for i := len(workers) - 1; i >= 0; i-- {
		workers[i].w.Stop()
	}
	e.logger.Info().Int("workers", len(workers)).Msg("workers stopped")
}

// WorkerStats aggregates per-worker liveness for the ops server.
func (e *Engine) WorkerStats() map[string]map[string]any {
	workers := e.snapshot()
	stats := make(map[string]map[string]any, len(workers))
	for _, nw := range workers {
		stats[nw.name] = nw.w.Stats()
	}
	return stats
}

// WorkersHealthy reports whether every registered worker's loop is
// live.
func (e *Engine) WorkersHealthy() bool {
	for _, nw := range e.snapshot() {
		if !nw.w.IsRunning() {
			return false
		}
	}
	return true
}

func (e *Engine) snapshot() []namedWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	workers := make([]namedWorker, len(e.workers))
	copy(workers, e.workers)
	return workers
}
