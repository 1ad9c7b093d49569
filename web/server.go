// Package web is the platform's HTTP front door: the dashboard and
// integrations API under /api/v1, the websocket handshake, the provider
// webhook routes and, in development, the local media directory.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tucanchat/tucan/broadcasts"
	"github.com/tucanchat/tucan/core/store"
	"github.com/tucanchat/tucan/outbox"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/webhook"
)

// Server is the single HTTP listener everything mounts on.
type Server struct {
	rt         *runtime.Runtime
	db         store.Store
	media      store.MediaStore
	pub        realtime.Publisher
	hub        *realtime.Hub
	webhooks   *webhook.Server
	dispatcher *broadcasts.Dispatcher
	sender     *outbox.Sender

	httpServer *http.Server
	waitGroup  sync.WaitGroup
}

// NewServer creates a new server which routes webhook traffic to webhooks,
// socket handshakes to hub, and serves the API against db.
func NewServer(rt *runtime.Runtime, db store.Store, media store.MediaStore, pub realtime.Publisher, hub *realtime.Hub, webhooks *webhook.Server, dispatcher *broadcasts.Dispatcher) *Server {
	s := &Server{
		rt:         rt,
		db:         db,
		media:      media,
		pub:        pub,
		hub:        hub,
		webhooks:   webhooks,
		dispatcher: dispatcher,
		sender:     outbox.NewSender(rt, db, pub),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", rt.Config.Address, rt.Config.Port),
		Handler:      s.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Router builds the full route tree. Exposed so tests can serve it without
// binding a port.
func (s *Server) Router() *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(s.cors)

	router.NotFound(s.handle404)
	router.MethodNotAllowed(s.handle405)

	router.Get("/", s.handleIndex)
	router.Get("/status", s.handleStatus)

	s.webhooks.Routes(router)

	router.Get("/ws", s.handleSocket)

	// without a bucket configured, media lives on disk and we serve it back
	if s.rt.Config.S3MediaBucket == "" {
		fs := http.StripPrefix("/media/", http.FileServer(http.Dir(s.rt.Config.MediaDir)))
		router.Get("/media/*", fs.ServeHTTP)
	}

	router.Route("/api/v1", func(r chi.Router) {
		// integration endpoints authenticate with the org api key only
		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)

			r.Post("/integrations/send", s.handleIntegrationSend)
			r.Post("/integrations/send-template", s.handleIntegrationSendTemplate)
		})

		// everything else takes a bearer token or an api key
		r.Group(func(r chi.Router) {
			r.Use(s.requireOrg)

			r.Get("/contacts", s.handleListContacts)
			r.Get("/contacts/{id}", s.handleGetContact)
			r.Patch("/contacts/{id}", s.handleUpdateContact)

			r.Get("/conversations", s.handleListConversations)
			r.Get("/conversations/{id}", s.handleGetConversation)
			r.Patch("/conversations/{id}", s.handleUpdateConversation)
			r.Post("/conversations/{id}/read", s.handleMarkRead)
			r.Get("/conversations/{id}/notes", s.handleListNotes)
			r.Post("/conversations/{id}/notes", s.handleAddNote)
			r.Post("/conversations/{id}/messages", s.handleReply)
			r.Post("/conversations/{id}/typing", s.handleTyping)

			r.Get("/messages", s.handleListMsgs)

			r.Get("/templates", s.handleListTemplates)
			r.Post("/templates", s.handleCreateTemplate)
			r.Post("/templates/sync", s.handleSyncTemplates)
			r.Delete("/templates/{name}", s.handleDeleteTemplate)
			r.Post("/templates/upload-media", s.handleTemplateMedia)

			r.Get("/quick-replies", s.handleListQuickReplies)
			r.Post("/quick-replies", s.handleCreateQuickReply)
			r.Delete("/quick-replies/{id}", s.handleDeleteQuickReply)

			r.Get("/chatbot/flows", s.handleListFlows)
			r.Post("/chatbot/flows", s.handleCreateFlow)
			r.Get("/chatbot/flows/{id}", s.handleGetFlow)
			r.Put("/chatbot/flows/{id}", s.handleUpdateFlow)
			r.Delete("/chatbot/flows/{id}", s.handleDeleteFlow)
			r.Post("/chatbot/flows/{id}/default", s.handleSetDefaultFlow)
			r.Get("/chatbot/variables", s.handleListVariables)

			r.Get("/broadcasts", s.handleListBroadcasts)
			r.Post("/broadcasts", s.handleCreateBroadcast)
			r.Get("/broadcasts/{id}", s.handleGetBroadcast)
			r.Post("/broadcasts/{id}/start", s.handleStartBroadcast)
			r.Post("/broadcasts/{id}/cancel", s.handleCancelBroadcast)

			r.Get("/notifications", s.handleListNotifications)
			r.Post("/notifications", s.handleCreateNotification)
			r.Post("/notifications/{externalID}/cancel", s.handleCancelNotification)

			r.Post("/media", s.handleUploadMedia)
		})
	})

	return router
}

// Start begins serving HTTP.
func (s *Server) Start() {
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			slog.Error("error serving HTTP", "comp", "server", "error", err)
		}
	}()

	slog.Info("server listening", "comp", "server", "address", s.httpServer.Addr, "version", s.rt.Config.Version)
}

// Stop shuts the listener down, returning once in-flight requests finish.
func (s *Server) Stop() {
	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		slog.Error("error shutting down server", "comp", "server", "error", err)
	}
	s.waitGroup.Wait()

	slog.Info("server stopped", "comp", "server")
}

// cors allows the configured dashboard origins to call the API from a
// browser. An empty allow list permits any origin, matching the socket hub.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool)
	for _, origin := range strings.Split(s.rt.Config.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[strings.TrimRight(origin, "/")] = true
		}
	}
	if s.rt.Config.FrontendURL != "" {
		allowed[strings.TrimRight(s.rt.Config.FrontendURL, "/")] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(allowed) == 0 || allowed[strings.TrimRight(origin, "/")]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, "<title>tucan</title><body><pre>%s%s\n</pre></body>", splash, s.rt.Config.Version)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok", "version": s.rt.Config.Version})
}

func (s *Server) handle404(w http.ResponseWriter, r *http.Request) {
	slog.Info("not found", "url", r.URL.String(), "method", r.Method)
	writeData(w, http.StatusNotFound, &errorResponse{Error: fmt.Sprintf("not found: %s", r.URL.Path)})
}

func (s *Server) handle405(w http.ResponseWriter, r *http.Request) {
	slog.Info("invalid method", "url", r.URL.String(), "method", r.Method)
	writeData(w, http.StatusMethodNotAllowed, &errorResponse{Error: fmt.Sprintf("method not allowed: %s", r.Method)})
}

var splash = `
 _
| |_ _   _  ___ __ _ _ __
| __| | | |/ __/ _` + "`" + ` | '_ \
| |_| |_| | (_| (_| | | | |
 \__|\__,_|\___\__,_|_| |_| v`
