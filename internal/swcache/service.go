package swcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
)

const (
	controlPrefix  = "/__swcache/"
	consumerHeader = "X-Swcache-Consumer"
	sourceHeader   = "X-Swcache"

	maxControlBody = 1 << 20
)

// Service exposes an Engine over HTTP: every request outside /__swcache/ is
// intercepted and resolved against the configured origin; the /__swcache/
// endpoints carry the control protocol.
type Service struct {
	cfg    Config
	engine *Engine
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	e, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, engine: e}, nil
}

func (s *Service) Engine() *Engine {
	return s.engine
}

func (s *Service) Close() error {
	return s.engine.Close()
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+controlPrefix+"control", s.handleControl)
	mux.HandleFunc("GET "+controlPrefix+"events", s.handleEvents)
	mux.HandleFunc("POST "+controlPrefix+"push", s.handlePush)
	mux.HandleFunc("POST "+controlPrefix+"notification", s.handleNotification)
	mux.HandleFunc("POST "+controlPrefix+"sync", s.handleSync)
	mux.HandleFunc(controlPrefix, http.NotFound)
	mux.HandleFunc("/", s.intercept)
	return mux
}

func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	req, err := s.requestFrom(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	writeResponse(w, s.engine.Handle(r.Context(), req))
}

func (s *Service) requestFrom(r *http.Request) (*Request, error) {
	u, err := url.Parse(s.cfg.Server.Origin + r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	req := &Request{
		Method:      r.Method,
		URL:         u,
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		Mode:        r.Header.Get("Sec-Fetch-Mode"),
		Header:      cloneHeader(r.Header),
	}
	req.Header.Del(consumerHeader)
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	return req, nil
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, sourceHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), resp.Source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setSourceHeaders(h http.Header, src Source) {
	if src != "" {
		h.Set(sourceHeader, string(src))
	}
	// Custom headers are invisible to browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, sourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("swcache: write json: %v", err)
	}
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	msg, err := DecodeControlMessage(b)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	from := ConsumerID(r.Header.Get(consumerHeader))
	if from == "" {
		from = "anonymous"
	}

	// Control work outlives a consumer that hangs up.
	ctx := context.WithoutCancel(r.Context())
	reply, err := s.engine.HandleMessage(ctx, from, msg)
	if err != nil {
		status := http.StatusInternalServerError
		if IsStoreUnavailable(err) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	if reply != nil {
		writeJSON(w, http.StatusOK, map[string]any{"type": "CACHE_STATUS", "data": reply.Stores})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents registers the caller as a consumer and streams broadcasts as
// server-sent events until it disconnects.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub := s.engine.Subscribe()
	defer s.engine.Unsubscribe(sub.ID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set(consumerHeader, string(sub.ID))
	ensureExposedHeader(h, consumerHeader)
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "REGISTERED", map[string]any{
		"consumer":   sub.ID,
		"controlled": s.engine.Controlled(sub.ID),
	}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev.Type(), ev); err != nil {
				log.Printf("swcache: events %s: %v", sub.ID, err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, typ string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, b)
	return err
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	n, err := s.engine.Push(b)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (s *Service) handleNotification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.NotificationClick(body.Action))
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	online := s.engine.Sync(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"online": online})
}
