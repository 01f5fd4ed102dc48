package api

import (
	"github.com/ykarpov/readersync/app/content"
	"github.com/ykarpov/readersync/app/store"
	"github.com/ykarpov/readersync/app/sync"
)

type SchedulerInterface interface {
	Enqueue(job sync.Job) bool
}

var _ SchedulerInterface = (*sync.Scheduler)(nil)

type JobFactoryInterface interface {
	SyncJobs() []sync.Job
	SubscribeFeed(feedURL string) sync.Job
	UploadTransactions() sync.Job
}

var _ JobFactoryInterface = (*sync.JobFactory)(nil)

// ArtifactPaths is the slice of the artifact store the read surface needs:
// locating content variants on disk for serving.
type ArtifactPaths interface {
	FullPath(id string) string
	StrippedPath(id string) string
	OriginalPath(id string) string
}

var _ ArtifactPaths = (*content.Artifacts)(nil)

type Handler struct {
	store     *store.Store
	artifacts ArtifactPaths
	scheduler SchedulerInterface
	jobs      JobFactoryInterface
}
