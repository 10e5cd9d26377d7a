package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/devcollab/internal/middleware"
)

// Router collects the handlers mounted by NewRouter. File and Dev are optional.
type Router struct {
	Verifier middleware.TokenVerifier
	Limiter  *middleware.RateLimiter

	Chat    *ChatHandler
	Message *MessageHandler
	Project *ProjectHandler
	Push    *PushHandler
	Auth    *AuthHandler
	Config  *ConfigHandler
	WS      *WSHandler
	File    *FileHandler
	Dev     *DevHandler

	CORSAllowedOrigins string
	// AccessLog enables chi's per-request logger.
	AccessLog bool
}

func NewRouter(rt Router) http.Handler {
	if rt.Limiter == nil {
		rt.Limiter = middleware.NewRateLimiter(0, 0)
	}
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	if rt.AccessLog {
		r.Use(chimw.Logger)
	}
	r.Use(middleware.RecoverJSON)
	// Compression would hide http.Hijacker from the WebSocket upgrade.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(rt.Limiter.ByIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(rt.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/config", rt.Config.GetConfig)
	if rt.File != nil {
		r.Get("/api/files/{filename}", rt.File.Serve)
	}
	// The socket authenticates inside the connection, see WSHandler.ServeWS.
	r.Get("/ws", rt.WS.ServeWS)
	if rt.Dev != nil {
		r.Post("/api/dev/token", rt.Dev.Token)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(rt.Verifier))
		r.Use(rt.Limiter.ByUser)

		r.Post("/api/auth/logout", rt.Auth.Logout)

		r.Get("/api/chats", rt.Chat.ListChats)
		r.Post("/api/chats/direct", rt.Chat.OpenDirect)
		r.Post("/api/chats/project/{projectId}", rt.Chat.CreateProjectChat)
		r.Get("/api/chats/{chatId}", rt.Chat.GetChat)
		r.Get("/api/chats/{chatId}/qr", rt.Chat.ShareQR)
		r.Post("/api/chats/{chatId}/participants/{userId}", rt.Chat.AddParticipant)
		r.Delete("/api/chats/{chatId}/participants/{userId}", rt.Chat.RemoveParticipant)

		r.Get("/api/chats/{chatId}/messages", rt.Message.GetMessages)
		r.Post("/api/chats/{chatId}/messages", rt.Message.SendMessage)
		r.Post("/api/chats/{chatId}/read", rt.Message.MarkRead)
		r.Post("/api/chats/{chatId}/upload", rt.Message.Upload)

		r.Post("/api/projects/{projectId}/modules", rt.Project.SubmitModule)
		r.Get("/api/projects/{projectId}/modules", rt.Project.ListModules)

		r.Post("/api/push/subscribe", rt.Push.Subscribe)
		r.Delete("/api/push/subscribe", rt.Push.Unsubscribe)

		if rt.Dev != nil {
			r.Post("/api/dev/projects", rt.Dev.CreateProject)
		}
	})
	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
