package sync

import (
	"time"

	"github.com/ykarpov/readersync/app/cfg"
	"github.com/ykarpov/readersync/app/content"
	"github.com/ykarpov/readersync/app/store"
)

// JobFactory builds the standard sync jobs from shared collaborators so the
// periodic ticker and API-triggered syncs produce identical chains.
type JobFactory struct {
	client    *Client
	store     *store.Store
	hub       *store.Hub
	artifacts *content.Artifacts
	pipeline  *content.Pipeline
	account   *cfg.Account
	tokenTTL  time.Duration
	subsTTL   time.Duration
	batchSize int
	retention int
}

func NewJobFactory(client *Client, st *store.Store, hub *store.Hub,
	artifacts *content.Artifacts, pipeline *content.Pipeline, account *cfg.Account,
	tokenTTL, subsTTL time.Duration, batchSize, retention int) *JobFactory {
	return &JobFactory{
		client:    client,
		store:     st,
		hub:       hub,
		artifacts: artifacts,
		pipeline:  pipeline,
		account:   account,
		tokenTTL:  tokenTTL,
		subsTTL:   subsTTL,
		batchSize: batchSize,
		retention: retention,
	}
}

// SyncJobs is the full chain one sync pass runs through, in order: refresh
// the edit token, reconcile metadata, replay offline edits before pulling
// items so local changes are not clobbered, then fetch items and prefetch
// content.
func (f *JobFactory) SyncJobs() []Job {
	return []Job{
		NewFetchTokenJob(f.client, f.store, f.tokenTTL),
		NewFetchSubscriptionsJob(f.client, f.store, f.hub, f.subsTTL),
		NewFetchUnreadCountsJob(f.client, f.store),
		NewUploadTransactionsJob(f.client, f.store, f.hub),
		NewFetchItemsJob(f.client, f.store, f.hub, f.artifacts, f.batchSize),
		NewCleanupJob(f.store, f.retention),
		NewFetchContentJob(f.pipeline),
	}
}

func (f *JobFactory) Authenticate() Job {
	return NewAuthenticateJob(f.client, f.store, f.account)
}

func (f *JobFactory) SubscribeFeed(feedURL string) Job {
	return NewSubscribeFeedJob(f.client, f.store, feedURL)
}

func (f *JobFactory) UploadTransactions() Job {
	return NewUploadTransactionsJob(f.client, f.store, f.hub)
}
