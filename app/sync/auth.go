package sync

import (
	"bufio"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ykarpov/readersync/app/cfg"
	"github.com/ykarpov/readersync/app/store"
)

// Stream ids the service namespaces state under.
const (
	readStateTag            = "user/-/state/com.google/read"
	starredStateTag         = "user/-/state/com.google/starred"
	readingListStream       = "user/-/state/com.google/reading-list"
	readingListStreamSuffix = "/state/com.google/reading-list"
)

// AuthenticateJob posts credentials and persists the opaque auth token
// extracted from the line-oriented response.
type AuthenticateJob struct {
	base
	client  *Client
	store   *store.Store
	account *cfg.Account
}

func NewAuthenticateJob(client *Client, st *store.Store, account *cfg.Account) *AuthenticateJob {
	return &AuthenticateJob{
		base:    newBase("authenticate", "authenticate"),
		client:  client,
		store:   st,
		account: account,
	}
}

func (j *AuthenticateJob) Run(ctx context.Context) error {
	body, err := j.client.PostForm(ctx, "/accounts/ClientLogin", url.Values{
		"Email":   {j.account.Email},
		"Passwd":  {j.account.Password},
		"service": {"reader"},
	})
	if err != nil {
		return err
	}

	var token string
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, "Auth="); ok {
			token = value
			break
		}
	}
	if token == "" {
		return parseErr(nil, "no Auth token in login response")
	}

	if err := j.store.SetSetting(store.SettingAuthToken, token); err != nil {
		return storageErr(err, "failed to persist auth token")
	}
	return nil
}

// FetchTokenJob refreshes the short-lived anti-forgery edit token. It
// self-skips while the cached token is still fresh.
type FetchTokenJob struct {
	base
	client *Client
	store  *store.Store
	ttl    time.Duration
}

func NewFetchTokenJob(client *Client, st *store.Store, ttl time.Duration) *FetchTokenJob {
	return &FetchTokenJob{
		base:   newBase("fetch_token", "fetch_token"),
		client: client,
		store:  st,
		ttl:    ttl,
	}
}

func (j *FetchTokenJob) Run(ctx context.Context) error {
	expiry, err := j.store.GetSettingTime(store.SettingEditTokenExpiry)
	if err != nil {
		return storageErr(err, "failed to read token expiry")
	}
	if time.Now().Before(expiry) {
		return nil
	}

	body, err := j.client.GetBytes(ctx, "/reader/api/0/token", nil)
	if err != nil {
		return err
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return parseErr(nil, "empty edit token response")
	}

	if err := j.store.SetSetting(store.SettingEditToken, token); err != nil {
		return storageErr(err, "failed to persist edit token")
	}
	if err := j.store.SetSettingTime(store.SettingEditTokenExpiry, time.Now().Add(j.ttl)); err != nil {
		return storageErr(err, "failed to persist token expiry")
	}
	return nil
}
