package worker

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/nucleus/lap-ingest/internal/collection"
)

var loadActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: time.Hour,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:        time.Second * 5,
		BackoffCoefficient:     2.0,
		MaximumInterval:        time.Minute * 5,
		MaximumAttempts:        3,
		NonRetryableErrorTypes: []string{string(collection.CodeInvalidArgument)},
	},
}

// LoadWorkflow runs a single load activity with the default retry policy.
func LoadWorkflow(ctx workflow.Context, req LoadActivityRequest) (*LoadActivityResult, error) {
	ctx = workflow.WithActivityOptions(ctx, loadActivityOptions)

	var result LoadActivityResult
	if err := workflow.ExecuteActivity(ctx, ActivityLoadCollections, req).Get(ctx, &result); err != nil {
		return nil, err
	}
	workflow.GetLogger(ctx).Info("load workflow finished", "runId", result.RunID, "partial", result.Partial)
	return &result, nil
}
