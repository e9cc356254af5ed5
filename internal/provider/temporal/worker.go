package temporal

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker builds a worker serving the run workflow and its activities on
// the configured task queue. The caller owns Run/Stop.
func NewWorker(c client.Client, cfg Config, activities *Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(RunWorkflow)
	w.RegisterActivity(activities)
	return w
}
