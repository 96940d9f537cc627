package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"loratrack/internal/alert"
)

//go:embed assets/*
var embeddedAssets embed.FS

// Handler builds the HTTP surface. status must not be nil; logs may be.
func Handler(status *Status, logs *LogBuffer) http.Handler {
	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		assetsFS = nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NoCache)

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC()))
		})

		r.Get("/modem", func(w http.ResponseWriter, r *http.Request) {
			if status.Bridge == nil {
				http.Error(w, "modem unavailable", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, status.Bridge.Store().Snapshot())
		})

		// Plain-text view of the rolling modem log, one response line per row.
		r.Get("/modem/log", func(w http.ResponseWriter, r *http.Request) {
			if status.Bridge == nil {
				http.Error(w, "modem unavailable", http.StatusNotFound)
				return
			}
			st := status.Bridge.Store().Snapshot()
			writeText(w, st.LinesDropped, st.Log)
		})

		r.Get("/ws", streamHandler(status.Bridge))

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				resp := alertsResponse{Alerts: []alert.Alert{}}
				if status.Alerts != nil {
					resp.Alerts = status.Alerts.Pending()
					resp.Stats = status.Alerts.Stats()
				}
				writeJSON(w, http.StatusOK, resp)
			})
			r.Post("/ack", func(w http.ResponseWriter, r *http.Request) {
				if status.Alerts == nil {
					http.Error(w, "alerts unavailable", http.StatusNotFound)
					return
				}
				n := status.Alerts.AckAll()
				writeJSON(w, http.StatusOK, map[string]any{"ok": true, "acked": n})
			})
			r.Post("/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
				if status.Alerts == nil {
					http.Error(w, "alerts unavailable", http.StatusNotFound)
					return
				}
				id := chi.URLParam(r, "id")
				if err := status.Alerts.Ack(id); err != nil {
					if errors.Is(err, alert.ErrUnknownAlert) {
						http.Error(w, err.Error(), http.StatusNotFound)
						return
					}
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true, "acked": 1})
			})
		})

		if logs != nil {
			r.Method(http.MethodGet, "/logs", logs.Handler())
		}
		r.Get("/about", aboutHandler)

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	})

	if assetsFS != nil {
		fileServer := http.FileServer(http.FS(assetsFS))
		r.Handle("/assets/*", http.StripPrefix("/assets/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			fileServer.ServeHTTP(w, r)
		})))
	}

	index := func(w http.ResponseWriter, r *http.Request) {
		if assetsFS == nil {
			serveFallback(w, status)
			return
		}
		b, err := fs.ReadFile(assetsFS, "index.html")
		if err != nil {
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	}
	r.Get("/", index)
	// Single page UI: unknown non-API paths get the shell.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || strings.HasPrefix(r.URL.Path, "/assets/") {
			http.NotFound(w, r)
			return
		}
		index(w, r)
	})

	return r
}

type alertsResponse struct {
	Alerts []alert.Alert `json:"alerts"`
	Stats  alert.Stats   `json:"stats"`
}

func serveFallback(w http.ResponseWriter, status *Status) {
	snap := status.Snapshot(time.Now().UTC())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>loratrack</title></head><body>")
	_, _ = fmt.Fprintf(w, "<h1>loratrack</h1>")
	_, _ = fmt.Fprintf(w, "<p>Web UI is unavailable. Use <a href=\"/api/status\">/api/status</a>.</p>")
	if snap.Bridge != nil {
		_, _ = fmt.Fprintf(w, "<pre>socket_connected=%t\nnetwork_connected=%t\nrssi=%d\nuplinks=%d</pre>",
			snap.Bridge.Modem.SocketConnected, snap.Bridge.Modem.NetworkConnected,
			snap.Bridge.Modem.RSSI, snap.Bridge.Uplinks,
		)
	}
	_, _ = fmt.Fprintf(w, "</body></html>")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// Serve runs the HTTP server until ctx is done. Open WebSocket streams are
// closed with ctx.
func Serve(ctx context.Context, listenAddr string, status *Status, logs *LogBuffer) error {
	if status == nil {
		status = NewStatus()
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(status, logs),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
