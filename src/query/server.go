package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/mosaicnetworks/stakenet/src/common"
	"github.com/mosaicnetworks/stakenet/src/config"
	"github.com/mosaicnetworks/stakenet/src/peers"
	"github.com/mosaicnetworks/stakenet/src/store"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const apiPrefix = "/api/v1"

// Server is the read-only query service.
type Server struct {
	bindAddress string
	reader      store.Reader
	router      *httprouter.Router
	handler     http.Handler
	server      *http.Server
	limiter     *rate.Limiter

	keys        KeyLookup
	keyLimiters keyLimiters

	pageSize    int
	maxPageSize int

	start  time.Time
	logger *logrus.Entry
}

// NewServer creates a query service over r. It uses the query settings of
// conf: listen address, CORS origins, rate limit and page sizes.
func NewServer(conf *config.Config, r store.Reader, logger *logrus.Entry) *Server {
	s := &Server{
		bindAddress: conf.QueryAddr,
		reader:      r,
		router:      httprouter.New(),
		pageSize:    conf.PageSize,
		maxPageSize: conf.MaxPageSize,
		start:       time.Now(),
		logger:      logger,
	}

	if conf.QueryRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(conf.QueryRate)/60), conf.QueryRate)
	}

	s.GET("/health", s.Health)
	s.GET("/metrics", s.Metrics)
	s.GET("/keys", s.ListKeys)
	s.GET("/keys/*key", s.GetKey)
	s.GET("/nested/:k1", s.ListNested)
	s.GET("/nested/:k1/*k2", s.GetNested)
	s.GET("/nmaps", s.ListMapNames)
	s.GET("/nmaps/:name", s.ListMap)
	s.GET("/nmaps/:name/*key", s.GetMapEntry)
	s.GET("/peers", s.ListPeers)
	s.GET("/peers/:peer_id", s.GetPeer)

	s.handler = s.router
	if len(conf.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: conf.CORSOrigins,
			AllowedMethods: []string{http.MethodGet},
			MaxAge:         600,
			AllowedHeaders: []string{"*"},
		})
		s.handler = c.Handler(s.router)
	}

	s.server = &http.Server{
		Addr:              s.bindAddress,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// GET registers a handler under the API prefix.
func (s *Server) GET(path string, handle httprouter.Handle) {
	s.router.GET(apiPrefix+path, handle)
}

// RequireKeys makes every request, except CORS preflights, present an active
// API key. Requests are then rate limited per key owner instead of globally.
func (s *Server) RequireKeys(keys KeyLookup) {
	s.keys = keys
}

// ServeHTTP checks the API key, applies the rate limit and dispatches the
// request.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	limiter := s.limiter
	if s.keys != nil && req.Method != http.MethodOptions {
		key := s.authenticate(w, req)
		if key == nil {
			return
		}
		limiter = s.keyLimiters.get(key)
	}

	if limiter != nil && !limiter.Allow() {
		s.JSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}
	s.handler.ServeHTTP(w, req)
}

// Serve calls ListenAndServe. This is a blocking call. It returns nil once
// Shutdown has been called.
func (s *Server) Serve() error {
	s.logger.WithField("bind_address", s.bindAddress).Info("Serving query API")

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// JSON writes data with the given status.
func (s *Server) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// storeError maps a store error to an HTTP error response.
func (s *Server) storeError(w http.ResponseWriter, what string, err error) {
	status := http.StatusInternalServerError
	switch {
	case common.IsStore(err, common.KeyNotFound):
		status = http.StatusNotFound
	case common.IsStore(err, common.InvalidKey):
		status = http.StatusBadRequest
	case common.IsStore(err, common.Closed), common.IsStore(err, common.Unavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error(what)
	}

	s.JSON(w, status, errorResponse{Error: what, Detail: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, detail string) {
	s.JSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request", Detail: detail})
}

// page reads offset and limit from the query string. A missing limit is the
// default page size.
func (s *Server) page(req *http.Request) (offset, limit int, err error) {
	q := req.URL.Query()

	limit = s.pageSize
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > s.maxPageSize {
			return 0, 0, fmt.Errorf("limit must be between 1 and %d", s.maxPageSize)
		}
	}

	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}

	return offset, limit, nil
}

// catchAll strips the leading slash of a catch-all parameter.
func catchAll(ps httprouter.Params, name string) string {
	return strings.TrimPrefix(ps.ByName(name), "/")
}

// Health reports whether the store can be read.
func (s *Server) Health(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	res := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	stats, err := s.reader.Stats()
	if err != nil {
		res.Status = "unhealthy"
		s.logger.WithError(err).Warn("Health check")
		s.JSON(w, http.StatusServiceUnavailable, res)
		return
	}

	res.DBPath = stats.Path
	res.DBAccessible = true
	s.JSON(w, http.StatusOK, res)
}

// Metrics reports the size of the store and the uptime of the service.
func (s *Server) Metrics(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	stats, err := s.reader.Stats()
	if err != nil {
		s.storeError(w, "failed to read metrics", err)
		return
	}

	s.JSON(w, http.StatusOK, metricsResponse{
		TotalKeys:     stats.TotalKeys,
		DBSizeBytes:   stats.SizeBytes,
		UptimeSeconds: time.Since(s.start).Seconds(),
	})
}

// ListKeys lists flat keys.
func (s *Server) ListKeys(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	offset, limit, err := s.page(req)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	prefix := req.URL.Query().Get("prefix")

	keys, err := s.reader.ListKeys(prefix, limit, offset)
	if err != nil {
		s.storeError(w, "failed to list keys", err)
		return
	}
	total, err := s.reader.CountKeys(prefix)
	if err != nil {
		s.storeError(w, "failed to count keys", err)
		return
	}

	s.JSON(w, http.StatusOK, keyListResponse{
		Keys:   keys,
		Total:  total,
		Offset: offset,
		Limit:  limit,
	})
}

// GetKey returns the value of a flat key.
func (s *Server) GetKey(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	key := catchAll(ps, "key")

	v, err := s.reader.Get(key)
	if err != nil {
		s.storeError(w, fmt.Sprintf("key %q", key), err)
		return
	}

	s.JSON(w, http.StatusOK, keyValueResponse{Key: key, Value: renderValue(v), Exists: true})
}

// ListNested returns the children of k1.
func (s *Server) ListNested(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	k1 := ps.ByName("k1")

	recursive := false
	if v := req.URL.Query().Get("recursive"); v != "" {
		var err error
		if recursive, err = strconv.ParseBool(v); err != nil {
			s.badRequest(w, "recursive must be a boolean")
			return
		}
	}

	entries, err := s.reader.ListNested(k1, recursive)
	if err != nil {
		s.storeError(w, "failed to list nested keys", err)
		return
	}

	children := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		children[e.Key] = renderValue(e.Value)
	}

	s.JSON(w, http.StatusOK, nestedKeyListResponse{K1: k1, Children: children, Total: len(children)})
}

// GetNested returns the value under k1/k2.
func (s *Server) GetNested(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	k1 := ps.ByName("k1")
	k2 := catchAll(ps, "k2")

	v, err := s.reader.GetNested(k1, k2)
	if err != nil {
		s.storeError(w, fmt.Sprintf("nested key %q/%q", k1, k2), err)
		return
	}

	s.JSON(w, http.StatusOK, nestedKeyResponse{K1: k1, K2: k2, Value: renderValue(v), Exists: true})
}

// ListMapNames lists the named maps.
func (s *Server) ListMapNames(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	names, err := s.reader.ListMapNames()
	if err != nil {
		s.storeError(w, "failed to list named maps", err)
		return
	}

	s.JSON(w, http.StatusOK, nmapNamesResponse{NMaps: names, Total: len(names)})
}

// ListMap lists the entries of a named map.
func (s *Server) ListMap(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	s.listMap(w, req, name, func(entries map[string]interface{}, total, offset, limit int) interface{} {
		return nmapListResponse{NMap: name, Entries: entries, Total: total, Offset: offset, Limit: limit}
	})
}

// GetMapEntry returns one entry of a named map.
func (s *Server) GetMapEntry(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	key := catchAll(ps, "key")

	v, err := s.reader.GetMapEntry(name, key)
	if err != nil {
		s.storeError(w, fmt.Sprintf("entry %q of %q", key, name), err)
		return
	}

	s.JSON(w, http.StatusOK, nmapResponse{NMap: name, Key: key, Value: renderValue(v), Exists: true})
}

// ListPeers lists the active peer records.
func (s *Server) ListPeers(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	s.listMap(w, req, peers.PeersMap, func(entries map[string]interface{}, total, offset, limit int) interface{} {
		return peerListResponse{Peers: entries, Total: total, Offset: offset, Limit: limit}
	})
}

// GetPeer returns the active record of one peer.
func (s *Server) GetPeer(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	id := ps.ByName("peer_id")

	v, err := s.reader.GetMapEntry(peers.PeersMap, id)
	if err != nil {
		s.storeError(w, fmt.Sprintf("peer %q", id), err)
		return
	}

	s.JSON(w, http.StatusOK, peerResponse{PeerID: id, Data: renderValue(v), Exists: true})
}

func (s *Server) listMap(w http.ResponseWriter, req *http.Request, name string,
	build func(entries map[string]interface{}, total, offset, limit int) interface{}) {

	offset, limit, err := s.page(req)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	page, err := s.reader.ListMap(name, limit, offset)
	if err != nil {
		s.storeError(w, fmt.Sprintf("failed to list %q", name), err)
		return
	}
	total, err := s.reader.CountMap(name)
	if err != nil {
		s.storeError(w, fmt.Sprintf("failed to count %q", name), err)
		return
	}

	entries := make(map[string]interface{}, len(page))
	for _, e := range page {
		entries[e.Key] = renderValue(e.Value)
	}

	s.JSON(w, http.StatusOK, build(entries, total, offset, limit))
}
