package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/jobs"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/media"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/persona"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/speech"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/mindful-companion/backend/internal/middleware"
	personaModel "github.com/zhouzirui/mindful-companion/backend/internal/model/persona"
	"github.com/zhouzirui/mindful-companion/backend/internal/observe"
	chatService "github.com/zhouzirui/mindful-companion/backend/internal/service/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/conversation"
	mediaService "github.com/zhouzirui/mindful-companion/backend/internal/service/media"
	"github.com/zhouzirui/mindful-companion/backend/pkg/utils"
)

// Deps collects the services the HTTP layer is wired to. Jobs, JobEvents,
// Narrator and Premium may be nil when the provider is not configured.
type Deps struct {
	Personas       personaModel.Store
	Chat           *chatService.Service
	Conversation   *conversation.Service
	Media          *mediaService.Store
	Narrator       speech.Narrator
	Premium        gateway.SpeechSynthesizer
	Jobs           jobs.Engine
	JobEvents      jobs.Listener
	Metrics        *observe.Metrics
	AllowedOrigins []string
	ServeMetrics   bool
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(observe.Middleware(deps.Metrics))
	}

	personaHandler := persona.New(deps.Personas)
	chatHandler := chat.New(deps.Chat, deps.Conversation, deps.Personas, deps.Media)
	streamHandler := stream.New(deps.Conversation, deps.Chat, deps.Personas)

	var jobsHandler *jobs.Handler
	if deps.Jobs != nil {
		jobsHandler = jobs.New(deps.Jobs, deps.JobEvents)
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", healthHandler(deps.Conversation))

		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)

		if deps.Narrator != nil {
			speech.New(deps.Narrator, deps.Premium, deps.Chat, deps.Personas).RegisterRoutes(api)
		}
		media.New(deps.Media).RegisterRoutes(api)

		if jobsHandler != nil {
			api.Route("/avatar", jobsHandler.RegisterAliasRoutes)
		}
	})

	if jobsHandler != nil {
		r.Route("/jobs", jobsHandler.RegisterRoutes)
	}

	if deps.ServeMetrics {
		r.Handle("/metrics", observe.Handler())
	}

	return r
}

func healthHandler(convo *conversation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if convo != nil {
			cd := convo.Cooldown()
			body["cooldownSeconds"] = cd.Interval().Seconds()
			body["cooldownRemainingSeconds"] = cd.Remaining().Seconds()
		}
		utils.RespondJSON(w, http.StatusOK, body)
	}
}
