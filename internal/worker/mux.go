package worker

import (
	"context"

	"github.com/hibiken/asynq"
)

type Mux struct{ mux *asynq.ServeMux }

func NewMux() *Mux { return &Mux{mux: asynq.NewServeMux()} }

func (m *Mux) HandleFunc(t string, h func(ctx context.Context, task *asynq.Task) error) {
	m.mux.HandleFunc(t, h)
}

func (m *Mux) Mux() *asynq.ServeMux { return m.mux }

// Queues builds the asynq queue weight map: every site queue gets equal
// weight so dequeues round-robin across sites.
func Queues(sites []string) map[string]int {
	q := make(map[string]int, len(sites)+1)
	q["default"] = 1
	for _, s := range sites {
		q["site:"+s] = 2
	}
	return q
}
