package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"tokenkeeper/internal/handlers"
	"tokenkeeper/internal/server"
)

// RunServer starts the HTTP server with all handlers configured
func (app *App) RunServer() (*server.Server, http.Handler) {
	h := handlers.New(
		app.Store,
		app.Tokens,
		app.Gateway,
		app.Sweeper,
		app.Config,
	)

	router := mux.NewRouter()
	SetupRoutes(router, h, app.Auth.RequireAuth)

	srv := server.New(router, app.Config.Port, "", "")
	return srv, router
}
