package nodeflow

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nodeflow/nodeflow/model"
)

// recordGallery writes one gallery entry per iteration that produced a result URL. Failures are
// logged and never affect the execution.
func (n *Nodeflow) recordGallery(ctx context.Context, exec *model.WorkflowExecution, outputs []model.IterationOutput) {
	for _, out := range outputs {
		if out.ResultURL == "" {
			continue
		}
		err := n.datasource.InsertGalleryEntry(ctx, model.GalleryEntry{
			UserID:      exec.UserID,
			ExecutionID: exec.ID,
			WorkflowID:  exec.WorkflowID,
			Iteration:   out.Iteration,
			URL:         out.ResultURL,
			MediaType:   model.MediaTypeFromURL(out.ResultURL),
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{"execution_id": exec.ID, "iteration": out.Iteration}).
				Warnf("failed to record gallery entry: %v", err)
		}
	}
}

// GalleryEntries lists the artifacts recorded for an execution.
func (n *Nodeflow) GalleryEntries(ctx context.Context, executionID int64) ([]model.GalleryEntry, error) {
	return n.datasource.GetGalleryEntries(ctx, executionID)
}
