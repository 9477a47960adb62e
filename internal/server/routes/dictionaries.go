package routes

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/dict-hub/internal/dictionary"
	"github.com/any-hub/dict-hub/internal/logging"
	"github.com/any-hub/dict-hub/internal/server"
)

// Dependencies 汇总 /-/ 接口需要的组件。
type Dependencies struct {
	Manager  *dictionary.Manager
	Registry *server.SiteRegistry
	Client   *http.Client
	Logger   *logrus.Logger
	Version  string
}

// RegisterDictionaryRoutes 暴露字典的查询、写入、抓取与清理接口。
func RegisterDictionaryRoutes(app *fiber.App, deps Dependencies) {
	if app == nil || deps.Manager == nil || deps.Logger == nil {
		return
	}
	h := &handler{deps: deps}

	app.Get("/-/status", h.status)
	app.Get("/-/dictionaries", h.list)
	app.Delete("/-/dictionaries", h.clear)
	app.Get("/-/dictionary", h.get)
	app.Put("/-/dictionary", h.put)
	app.Post("/-/dictionary/fetch", h.fetch)
}

// NewLookupHandler 返回站点路径的处理器：把请求 URL 当作待压缩资源，
// 通过 Available-Dictionary 头告知命中的字典。
func NewLookupHandler(deps Dependencies) server.SiteHandler {
	h := &handler{deps: deps}
	return server.SiteHandlerFunc(h.lookup)
}

type handler struct {
	deps Dependencies
}

func (h *handler) status(c fiber.Ctx) error {
	total, err := h.deps.Manager.TotalSize(requestContext(c))
	if err != nil {
		h.deps.Logger.WithError(err).WithField("action", "status").Warn("dictionary_total_size_failed")
		return writeError(c, fiber.StatusInternalServerError, "metadata_unavailable")
	}
	var sites []server.SiteRoute
	if h.deps.Registry != nil {
		sites = h.deps.Registry.List()
	}
	return c.JSON(fiber.Map{
		"version":         h.deps.Version,
		"total_size":      total,
		"sites":           encodeSites(sites),
		"active_storages": len(h.deps.Manager.IsolationKeys()),
	})
}

func (h *handler) list(c fiber.Ctx) error {
	_, storage, err := h.storage(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"dictionaries": encodeRecords(storage.Records()),
	})
}

func (h *handler) clear(c fiber.Ctx) error {
	if err := h.deps.Manager.ClearAll(requestContext(c)); err != nil {
		h.deps.Logger.WithError(err).WithField("action", "clear_all").Warn("dictionary_clear_failed")
		return writeError(c, fiber.StatusInternalServerError, "clear_failed")
	}
	return c.JSON(fiber.Map{"cleared": true})
}

func (h *handler) get(c fiber.Ctx) error {
	route, storage, err := h.storage(c)
	if err != nil {
		return err
	}
	target, err := resolveTarget(route, c.Query("url"))
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_url")
	}

	dict := storage.GetDictionary(target)
	if dict == nil {
		return writeError(c, fiber.StatusNotFound, "dictionary_not_found")
	}
	defer dict.Release()

	if err := awaitDictionary(requestContext(c), dict); err != nil {
		return h.loadError(c, err)
	}

	hash := dict.Hash()
	c.Set("X-Dictionary-Hash", hash.String())
	c.Set("X-Dictionary-Size", strconv.FormatInt(dict.Size(), 10))
	c.Set(fiber.HeaderContentType, "application/octet-stream")
	return c.Send(dict.Data())
}

func (h *handler) lookup(c fiber.Ctx, route *server.SiteRoute) error {
	if c.Method() != fiber.MethodGet && c.Method() != fiber.MethodHead {
		return writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}
	storage := h.deps.Manager.GetStorage(route.IsolationKey)
	if storage == nil {
		return writeError(c, fiber.StatusServiceUnavailable, "manager_closed")
	}
	ctx := requestContext(c)
	if err := storage.WaitMetadataLoaded(ctx); err != nil {
		return writeError(c, fiber.StatusServiceUnavailable, "metadata_loading")
	}
	target, err := resolveTarget(route, c.OriginalURL())
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_url")
	}

	dict := storage.GetDictionary(target)
	if dict == nil {
		return writeError(c, fiber.StatusNotFound, "dictionary_not_found")
	}
	defer dict.Release()
	if err := awaitDictionary(ctx, dict); err != nil {
		return h.loadError(c, err)
	}

	hash := dict.Hash()
	c.Set("Available-Dictionary", ":"+base64.StdEncoding.EncodeToString(hash[:])+":")
	return c.JSON(fiber.Map{
		"url":    target.String(),
		"sha256": hash.String(),
		"size":   dict.Size(),
	})
}

func (h *handler) put(c fiber.Ctx) error {
	route, storage, err := h.storage(c)
	if err != nil {
		return err
	}
	target, match, ttl, err := writeParams(c, route)
	if err != nil {
		return err
	}
	if match == "" {
		return writeError(c, fiber.StatusBadRequest, "match_required")
	}

	writer := storage.CreateWriter(target, time.Now(), ttl, match)
	if writer == nil {
		return writeError(c, fiber.StatusServiceUnavailable, "manager_closed")
	}
	ctx := requestContext(c)
	if err := writer.Append(ctx, c.Body()); err != nil {
		return h.writeFailure(c, route, "put_dictionary", err)
	}
	record, err := writer.Finish(ctx)
	if err != nil {
		return h.writeFailure(c, route, "put_dictionary", err)
	}
	h.logStored(c, route, "put_dictionary", record)
	return c.Status(fiber.StatusCreated).JSON(encodeRecord(record))
}

func (h *handler) fetch(c fiber.Ctx) error {
	route, storage, err := h.storage(c)
	if err != nil {
		return err
	}
	target, match, ttl, err := writeParams(c, route)
	if err != nil {
		return err
	}
	if h.deps.Client == nil {
		return writeError(c, fiber.StatusServiceUnavailable, "upstream_unavailable")
	}

	ctx := requestContext(c)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_url")
	}
	server.ForwardHeaders(req.Header, requestHeaders(c))

	resp, err := h.deps.Client.Do(req)
	if err != nil {
		h.deps.Logger.WithError(err).
			WithFields(logging.DictionaryFields(target.String(), match, "", 0)).
			WithField("action", "fetch_dictionary").
			Warn("dictionary_fetch_failed")
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  "upstream_status",
			"status": resp.StatusCode,
		})
	}

	hintMatch, hintTTL := upstreamDictionaryHints(resp.Header.Get("Use-As-Dictionary"), resp.Header.Get("Cache-Control"))
	if match == "" {
		match = hintMatch
	}
	if ttl == 0 {
		ttl = hintTTL
	}
	if match == "" {
		return writeError(c, fiber.StatusBadRequest, "match_required")
	}
	if err := dictionary.ValidateMatch(match, target.String()); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_match")
	}

	responseTime := time.Now()
	if parsed, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		responseTime = parsed
	}
	writer := storage.CreateWriter(target, responseTime, ttl, match)
	if writer == nil {
		return writeError(c, fiber.StatusServiceUnavailable, "manager_closed")
	}
	if _, err := io.Copy(writer, resp.Body); err != nil {
		writer.Abort()
		return h.writeFailure(c, route, "fetch_dictionary", err)
	}
	record, err := writer.Finish(ctx)
	if err != nil {
		return h.writeFailure(c, route, "fetch_dictionary", err)
	}
	h.logStored(c, route, "fetch_dictionary", record)
	return c.Status(fiber.StatusCreated).JSON(encodeRecord(record))
}

// storage 取出当前站点的 StorageOnDisk 并等待初始元数据加载完成。
func (h *handler) storage(c fiber.Ctx) (*server.SiteRoute, *dictionary.StorageOnDisk, error) {
	route, ok := server.RouteFromContext(c)
	if !ok {
		return nil, nil, writeError(c, fiber.StatusNotFound, "host_unmapped")
	}
	storage := h.deps.Manager.GetStorage(route.IsolationKey)
	if storage == nil {
		return nil, nil, writeError(c, fiber.StatusServiceUnavailable, "manager_closed")
	}
	if err := storage.WaitMetadataLoaded(requestContext(c)); err != nil {
		return nil, nil, writeError(c, fiber.StatusServiceUnavailable, "metadata_loading")
	}
	return route, storage, nil
}

func (h *handler) loadError(c fiber.Ctx, err error) error {
	if errors.Is(err, dictionary.ErrDictionaryLoadFailed) {
		return writeError(c, fiber.StatusBadGateway, "dictionary_load_failed")
	}
	return writeError(c, fiber.StatusGatewayTimeout, "dictionary_load_timeout")
}

func (h *handler) writeFailure(c fiber.Ctx, route *server.SiteRoute, action string, err error) error {
	switch {
	case errors.Is(err, dictionary.ErrEmptyDictionary):
		return writeError(c, fiber.StatusBadRequest, "empty_dictionary")
	case errors.Is(err, dictionary.ErrDictionaryTooLarge):
		return writeError(c, fiber.StatusRequestEntityTooLarge, "dictionary_too_large")
	case errors.Is(err, dictionary.ErrManagerClosed):
		return writeError(c, fiber.StatusServiceUnavailable, "manager_closed")
	}
	h.deps.Logger.WithError(err).
		WithFields(logrus.Fields{
			"action":     action,
			"site":       route.Config.Name,
			"request_id": server.RequestID(c),
		}).
		Warn("dictionary_write_failed")
	return writeError(c, fiber.StatusInternalServerError, "write_failed")
}

func (h *handler) logStored(c fiber.Ctx, route *server.SiteRoute, action string, record dictionary.Record) {
	fields := logging.DictionaryFields(record.URL, record.Match, record.Token.String(), record.Size)
	fields["action"] = action
	fields["site"] = route.Config.Name
	fields["request_id"] = server.RequestID(c)
	h.deps.Logger.WithFields(fields).Info("dictionary_stored")
}

// writeParams 解析 url/match/ttl 查询参数。
func writeParams(c fiber.Ctx, route *server.SiteRoute) (target *url.URL, match string, ttl time.Duration, err error) {
	target, err = resolveTarget(route, c.Query("url"))
	if err != nil {
		return nil, "", 0, writeError(c, fiber.StatusBadRequest, "invalid_url")
	}
	if dictionary.Origin(target) != route.IsolationKey.FrameOrigin {
		return nil, "", 0, writeError(c, fiber.StatusForbidden, "cross_origin_dictionary")
	}
	match = c.Query("match")
	if match != "" {
		if vErr := dictionary.ValidateMatch(match, target.String()); vErr != nil {
			return nil, "", 0, writeError(c, fiber.StatusBadRequest, "invalid_match")
		}
	}
	ttl, err = parseTTL(c.Query("ttl"))
	if err != nil {
		return nil, "", 0, writeError(c, fiber.StatusBadRequest, "invalid_ttl")
	}
	return target, match, ttl, nil
}

// awaitDictionary 通过 ReadAll 等待共享加载结束。
func awaitDictionary(ctx context.Context, dict *dictionary.WrappedSharedDictionary) error {
	done := make(chan error, 1)
	err := dict.ReadAll(func(err error) { done <- err })
	if !errors.Is(err, dictionary.ErrIOPending) {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func requestHeaders(c fiber.Ctx) http.Header {
	headers := make(http.Header)
	for key, values := range c.GetReqHeaders() {
		for _, value := range values {
			headers.Add(key, value)
		}
	}
	return headers
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

// writeError 交给 server.NewApp 的 ErrorHandler 渲染为 {"error": code}。
func writeError(_ fiber.Ctx, status int, code string) error {
	return fiber.NewError(status, code)
}
