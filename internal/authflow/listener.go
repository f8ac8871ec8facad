package authflow

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// callbackHandler resolves a loopback redirect into a session outcome.
type callbackHandler interface {
	HandleCallback(ctx context.Context, channel, state, code, errParam string) (html string, status int)
}

// listenerSet lazily starts one loopback HTTP listener per callback channel
// and stops it again when no session needs it.
type listenerSet struct {
	handler callbackHandler
	logger  *slog.Logger

	mu      sync.Mutex
	servers map[string]*http.Server
	refs    map[string]int
}

func newListenerSet(handler callbackHandler, logger *slog.Logger) *listenerSet {
	return &listenerSet{
		handler: handler,
		logger:  logger,
		servers: make(map[string]*http.Server),
		refs:    make(map[string]int),
	}
}

// Ensure starts the channel's listener if it is not already running and takes
// a reference on it.
func (l *listenerSet) Ensure(channel string, port int, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, running := l.servers[channel]; running {
		l.refs[channel]++
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("callback listener on port %d: %w", port, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		html, status := l.handler.HandleCallback(r.Context(), channel, q.Get("state"), q.Get("code"), q.Get("error"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprint(w, html)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	l.servers[channel] = srv
	l.refs[channel] = 1
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.Warn("callback listener stopped", "channel", channel, "error", err)
		}
	}()
	l.logger.Info("callback listener started", "channel", channel, "port", port)
	return nil
}

// Release drops a reference and closes the listener when the last session
// using the channel finalizes.
func (l *listenerSet) Release(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs[channel] == 0 {
		return
	}
	l.refs[channel]--
	if l.refs[channel] > 0 {
		return
	}
	if srv := l.servers[channel]; srv != nil {
		_ = srv.Close()
		delete(l.servers, channel)
		l.logger.Info("callback listener stopped", "channel", channel)
	}
}

// Close shuts down every listener.
func (l *listenerSet) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch, srv := range l.servers {
		_ = srv.Close()
		delete(l.servers, ch)
		l.refs[ch] = 0
	}
}
