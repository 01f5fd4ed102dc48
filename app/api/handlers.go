package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ykarpov/readersync/app/store"
)

func NewHandler(st *store.Store, artifacts ArtifactPaths,
	scheduler SchedulerInterface, jobs JobFactoryInterface) *Handler {
	return &Handler{
		store:     st,
		artifacts: artifacts,
		scheduler: scheduler,
		jobs:      jobs,
	}
}

func itemJSON(item store.Item) gin.H {
	return gin.H{
		"id":           item.ID,
		"title":        item.Title,
		"author":       item.Author,
		"href":         item.Href,
		"feed_id":      item.FeedID,
		"feed_title":   item.FeedTitle,
		"published_at": item.PublishedAt,
		"updated_at":   item.UpdatedAt,
		"is_read":      item.State.IsRead,
		"is_starred":   item.State.IsStarred,
		"is_cached":    item.State.IsCached,
		"tags":         item.Tags,
	}
}

// parseItemFilter maps list query parameters onto a store filter. Bad
// boolean or timestamp values are simply not applied.
func parseItemFilter(c *gin.Context) store.ItemFilter {
	filter := store.ItemFilter{
		FeedID: c.Query("feed"),
		TagID:  c.Query("tag"),
	}
	if v, err := strconv.ParseBool(c.Query("read")); c.Query("read") != "" && err == nil {
		filter.Read = &v
	}
	if v, err := strconv.ParseBool(c.Query("starred")); c.Query("starred") != "" && err == nil {
		filter.Starred = &v
	}
	if v, err := strconv.ParseInt(c.Query("since"), 10, 64); err == nil && v > 0 {
		filter.Since = time.Unix(v, 0).UTC()
	}
	if v, err := strconv.ParseInt(c.Query("until"), 10, 64); err == nil && v > 0 {
		filter.Until = time.Unix(v, 0).UTC()
	}
	return filter
}

func (h *Handler) ListItems(c *gin.Context) {
	filter := parseItemFilter(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	opts := store.ListOptions{
		Limit:     limit,
		Offset:    offset,
		SortBy:    c.DefaultQuery("sort", "published_at"),
		Ascending: c.Query("order") == "asc",
	}

	items, err := h.store.ListItems(filter, opts)
	if err != nil {
		slog.Error("Database error", "operation", "list_items", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	total, err := h.store.CountItems(filter)
	if err != nil {
		slog.Error("Database error", "operation", "count_items", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]gin.H, 0, len(items))
	for _, item := range items {
		out = append(out, itemJSON(item))
	}

	c.JSON(http.StatusOK, gin.H{
		"items":  out,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func (h *Handler) GetItem(c *gin.Context) {
	item, ok := h.lookupItem(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, itemJSON(*item))
}

// GetItemContent serves the richest stored variant of the item's content:
// the image-rewritten copy when prefetch completed, otherwise the stripped
// or raw body.
func (h *Handler) GetItemContent(c *gin.Context) {
	item, ok := h.lookupItem(c)
	if !ok {
		return
	}

	for _, path := range []string{
		h.artifacts.FullPath(item.ID),
		h.artifacts.StrippedPath(item.ID),
		h.artifacts.OriginalPath(item.ID),
	} {
		if _, err := os.Stat(path); err == nil {
			c.Header("Content-Type", "text/html; charset=utf-8")
			c.File(path)
			return
		}
	}

	c.Status(http.StatusNotFound)
}

func (h *Handler) MarkItemRead(c *gin.Context) {
	h.mutateItem(c, "read", h.store.MarkItemRead)
}

func (h *Handler) MarkItemUnread(c *gin.Context) {
	h.mutateItem(c, "unread", h.store.MarkItemUnread)
}

func (h *Handler) MarkItemStarred(c *gin.Context) {
	h.mutateItem(c, "star", h.store.MarkItemStarred)
}

func (h *Handler) MarkItemUnstarred(c *gin.Context) {
	h.mutateItem(c, "unstar", h.store.MarkItemUnstarred)
}

// mutateItem applies a local state change and schedules the offline edit
// log for upload. The local write is the source of truth; the upload can
// fail and retry indefinitely.
func (h *Handler) mutateItem(c *gin.Context, op string, fn func(id string) error) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id parameter required"})
		return
	}

	if err := fn(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Database error", "operation", op, "item", id, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	h.scheduler.Enqueue(h.jobs.UploadTransactions())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	filter := parseItemFilter(c)

	cutoff := time.Now().UTC()
	if v, err := strconv.ParseInt(c.Query("before"), 10, 64); err == nil && v > 0 {
		cutoff = time.Unix(v, 0).UTC()
	}

	count, err := h.store.MarkAllReadBefore(filter, cutoff)
	if err != nil {
		slog.Error("Database error", "operation", "mark_all_read", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	h.scheduler.Enqueue(h.jobs.UploadTransactions())
	c.JSON(http.StatusOK, gin.H{"status": "ok", "marked": count})
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.ListSubscriptions()
	if err != nil {
		slog.Error("Database error", "operation", "list_subscriptions", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		out = append(out, gin.H{
			"id":             sub.ID,
			"url":            sub.URL,
			"title":          sub.Title,
			"unread_count":   sub.UnreadCount,
			"unread_display": store.FormatUnread(sub.UnreadCount),
			"updated_at":     sub.UpdatedAt,
			"tags":           sub.Tags,
			"has_icon":       len(sub.Icon) > 0,
		})
	}

	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

func (h *Handler) CreateSubscription(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url field required"})
		return
	}

	if !h.scheduler.Enqueue(h.jobs.SubscribeFeed(req.URL)) {
		c.JSON(http.StatusConflict, gin.H{"error": "subscribe already in progress for this URL"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "url": req.URL})
}

func (h *Handler) GetSubscriptionIcon(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id parameter required"})
		return
	}

	sub, err := h.store.GetSubscription(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Database error", "operation", "get_subscription", "id", id, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if len(sub.Icon) == 0 {
		c.Status(http.StatusNotFound)
		return
	}

	c.Data(http.StatusOK, "image/x-icon", sub.Icon)
}

func (h *Handler) ListTags(c *gin.Context) {
	tags, err := h.store.ListTags()
	if err != nil {
		slog.Error("Database error", "operation", "list_tags", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	out := make([]gin.H, 0, len(tags))
	for _, tag := range tags {
		out = append(out, gin.H{
			"id":             tag.ID,
			"title":          tag.Title(),
			"unread_count":   tag.UnreadCount,
			"unread_display": store.FormatUnread(tag.UnreadCount),
		})
	}

	c.JSON(http.StatusOK, gin.H{"tags": out})
}

func (h *Handler) GetCounts(c *gin.Context) {
	global, err := h.store.GlobalUnread()
	if err != nil {
		slog.Error("Database error", "operation", "global_unread", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	subs, err := h.store.ListSubscriptions()
	if err != nil {
		slog.Error("Database error", "operation", "list_subscriptions", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	tags, err := h.store.ListTags()
	if err != nil {
		slog.Error("Database error", "operation", "list_tags", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	subCounts := make(map[string]string, len(subs))
	for _, sub := range subs {
		subCounts[sub.ID] = store.FormatUnread(sub.UnreadCount)
	}
	tagCounts := make(map[string]string, len(tags))
	for _, tag := range tags {
		tagCounts[tag.ID] = store.FormatUnread(tag.UnreadCount)
	}

	c.JSON(http.StatusOK, gin.H{
		"total":         global,
		"total_display": store.FormatUnread(global),
		"subscriptions": subCounts,
		"tags":          tagCounts,
	})
}

func (h *Handler) GetSetting(c *gin.Context) {
	name := c.Param("name")
	value, err := h.store.GetSetting(name)
	if err != nil {
		slog.Error("Database error", "operation", "get_setting", "name", name, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"name": name, "value": value})
}

func (h *Handler) SetSetting(c *gin.Context) {
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value field required"})
		return
	}

	name := c.Param("name")
	if err := h.store.SetSetting(name, req.Value); err != nil {
		slog.Error("Database error", "operation", "set_setting", "name", name, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"name": name, "value": req.Value})
}

// TriggerSync queues the full sync chain. Jobs already queued or running
// are suppressed, so hammering this endpoint is harmless.
func (h *Handler) TriggerSync(c *gin.Context) {
	queued := 0
	for _, job := range h.jobs.SyncJobs() {
		if h.scheduler.Enqueue(job) {
			queued++
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "jobs": queued})
}

// Reset empties the local cache entirely, including credentials and the
// offline edit log. Used when switching accounts; the next sync starts from
// a clean slate.
func (h *Handler) Reset(c *gin.Context) {
	if err := h.store.PurgeAll(); err != nil {
		slog.Error("Database error", "operation", "reset", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := gin.H{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	}

	if count, err := h.store.CountItems(store.ItemFilter{}); err == nil {
		health["items"] = count
	}
	if subs, err := h.store.ListSubscriptions(); err == nil {
		health["subscriptions"] = len(subs)
	}
	if pending, err := h.store.ListTransactions(); err == nil {
		health["pending_transactions"] = len(pending)
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) lookupItem(c *gin.Context) (*store.Item, bool) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id parameter required"})
		return nil, false
	}

	item, err := h.store.GetItem(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return nil, false
		}
		slog.Error("Database error", "operation", "get_item", "id", id, "error", err)
		c.Status(http.StatusInternalServerError)
		return nil, false
	}
	return item, true
}
