package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/logout", apiHandler.LogoutHandler)

			// Conversation routes
			r.Get("/conversations", apiHandler.ListConversationsHandler)
			r.Post("/conversations", apiHandler.CreateConversationHandler)
			r.Delete("/conversations/{conversationID}", apiHandler.DeleteConversationHandler)
			r.Get("/conversations/{conversationID}/messages", apiHandler.GetMessagesHandler)
			r.Post("/conversations/{conversationID}/messages", apiHandler.PostMessageHandler)

			// Knowledge source routes
			r.Get("/sources", apiHandler.ListSourcesHandler)
			r.Delete("/sources/{sourceID}", apiHandler.DeleteSourceHandler)
			r.Post("/source/upload", apiHandler.UploadSourceHandler)
			r.Post("/source/visit", apiHandler.VisitSourceHandler)

			// Model proxy and page metadata
			r.Post("/chat", apiHandler.ChatHandler)
			r.Get("/metadata", apiHandler.MetadataHandler)

			// State-change stream
			r.Get("/events", apiHandler.EventsHandler)
		})
	})

	return r
}
