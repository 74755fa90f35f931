package main

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/taskrelay/internal/api"
	apiMiddleware "github.com/phrazzld/taskrelay/internal/api/middleware"
)

// setupRouter creates the producer's router. The submission routes sit
// behind bearer authentication when a JWT secret is configured.
func (app *application) setupRouter() (http.Handler, error) {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.Trace(app.logger))

	taskHandler := api.NewTaskHandler(app.producer)
	healthHandler := api.NewHealthHandler(app.producer.Ping)

	var auth *apiMiddleware.AuthMiddleware
	if secret := app.config.Auth.JWTSecret; secret != "" {
		var err error
		if auth, err = apiMiddleware.NewAuthMiddleware(secret); err != nil {
			return nil, fmt.Errorf("failed to configure authentication: %w", err)
		}
	}

	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Authenticate)
		}

		// /task is the backend's own route; /api/task is the path the
		// gateway forwards
		r.Post("/task", taskHandler.SubmitTask)
		r.Post("/api/task", taskHandler.SubmitTask)
	})

	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", app.telemetry.Handler)

	if err := chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		app.logger.Debug("route registered", "method", method, "route", route)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to walk routes: %w", err)
	}
	return r, nil
}
