package sync

import (
	"context"

	"github.com/ykarpov/readersync/app/content"
)

// FetchContentJob triggers one content/image prefetch batch. It is a bulk
// job: it runs on the dedicated content worker so it never starves
// interactive sync jobs, and its key makes concurrent triggers collapse into
// one queued run.
type FetchContentJob struct {
	base
	pipeline *content.Pipeline
}

func NewFetchContentJob(pipeline *content.Pipeline) *FetchContentJob {
	return &FetchContentJob{
		base:     newBulkBase("fetch_content", "fetch_content"),
		pipeline: pipeline,
	}
}

func (j *FetchContentJob) Run(ctx context.Context) error {
	if err := j.pipeline.Run(ctx); err != nil {
		return storageErr(err, "content prefetch failed")
	}
	return nil
}
