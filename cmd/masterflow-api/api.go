// Package main provides the Masterflow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/relokate/masterflow/pkg/agents"
	"github.com/relokate/masterflow/pkg/engine"
	"github.com/relokate/masterflow/pkg/eventbus"
	"github.com/relokate/masterflow/pkg/locks"
	"github.com/relokate/masterflow/pkg/persistence"
	"github.com/relokate/masterflow/pkg/phases"
	"github.com/relokate/masterflow/pkg/services"
	"github.com/relokate/masterflow/pkg/web"
)

type API struct {
	logger       *slog.Logger
	persistence  persistence.Persistence
	locker       locks.FlowLocker
	eventBus     eventbus.EventBus
	agentManager *agents.Manager
	registry     *phases.Registry
	validate     *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	locker locks.FlowLocker,
	eventBus eventbus.EventBus,
	agentManager *agents.Manager,
) (*API, error) {
	return &API{
		logger:       logger,
		persistence:  persistence,
		locker:       locker,
		eventBus:     eventBus,
		agentManager: agentManager,
		registry:     phases.NewRegistry(),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

func (a *API) App() (*fiber.App, error) {
	flowService := services.NewFlow(a.logger, a.persistence, a.registry, a.locker, a.eventBus)

	handlers, err := agents.NewHandlerRegistry(a.agentManager, a.registry)
	if err != nil {
		return nil, err
	}

	eng := engine.NewEngine(engine.Config{
		Logger:      a.logger,
		Persistence: a.persistence,
		Registry:    a.registry,
		Locker:      a.locker,
		Handlers:    handlers,
		Publisher:   a.eventBus,
	})

	apiHandlers := web.NewAPIHandlers(flowService, eng, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Masterflow API")
	})

	flows := app.Group("/flows", web.TenantMiddleware())
	flows.Get("/", apiHandlers.ListFlows)
	flows.Post("/", apiHandlers.CreateFlow)
	flows.Get("/:flowId", apiHandlers.GetFlow)
	flows.Delete("/:flowId", apiHandlers.DeleteFlow)
	flows.Post("/:flowId/phases", apiHandlers.ExecutePhase)
	flows.Post("/:flowId/pause", apiHandlers.PauseFlow)
	flows.Post("/:flowId/resume", apiHandlers.ResumeFlow)
	flows.Post("/:flowId/approve", apiHandlers.ApproveFlow)
	flows.Post("/:flowId/retry", apiHandlers.RetryFlow)
	flows.Get("/:flowId/failures", apiHandlers.FailureHistory)

	app.Get("/health", apiHandlers.HealthCheck)

	return app, nil
}

func (a *API) Start(port int) error {
	app, err := a.App()
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
