package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/yss1235-why/tambola-sound-blitz/internal/config"
	"github.com/yss1235-why/tambola-sound-blitz/internal/game"
	"github.com/yss1235-why/tambola-sound-blitz/internal/gateway"
)

func setupServer(cfg config.ServerConfig, controller *game.Controller, hub *gateway.Hub) *http.Server {
	mux := http.NewServeMux()

	registerGameRoutes(mux, controller)

	mux.HandleFunc("GET /ws/{gameID}", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Serve(w, r, r.PathValue("gameID")); err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
		}
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("write health response")
		}
	})

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: h2c.NewHandler(c.Handler(mux), &http2.Server{}),
	}
}

// registerGameRoutes exposes the host control surface. One daemon hosts
// one game at a time; the game ID appears in the path only so that start
// can name it.
func registerGameRoutes(mux *http.ServeMux, controller *game.Controller) {
	mux.HandleFunc("POST /api/games/{gameID}/start", func(w http.ResponseWriter, r *http.Request) {
		respond(w, controller.StartGame(r.Context(), r.PathValue("gameID")))
	})
	mux.HandleFunc("POST /api/game/audio-ready", func(w http.ResponseWriter, r *http.Request) {
		controller.AudioReady()
		respond(w, nil)
	})
	mux.HandleFunc("POST /api/game/audio-complete", func(w http.ResponseWriter, r *http.Request) {
		controller.AudioComplete()
		respond(w, nil)
	})
	mux.HandleFunc("POST /api/game/call", func(w http.ResponseWriter, r *http.Request) {
		res := controller.CallNumber(r.Context())
		if !res.Success {
			respond(w, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
	mux.HandleFunc("POST /api/game/pause", func(w http.ResponseWriter, r *http.Request) {
		respond(w, controller.PauseGame(r.Context()))
	})
	mux.HandleFunc("POST /api/game/resume", func(w http.ResponseWriter, r *http.Request) {
		respond(w, controller.ResumeGame(r.Context()))
	})
	mux.HandleFunc("POST /api/game/end", func(w http.ResponseWriter, r *http.Request) {
		respond(w, controller.EndGame(r.Context()))
	})
	mux.HandleFunc("POST /api/game/prizes/{prizeID}", func(w http.ResponseWriter, r *http.Request) {
		controller.RecordPrize(r.PathValue("prizeID"))
		respond(w, nil)
	})
	mux.HandleFunc("POST /api/game/retry", func(w http.ResponseWriter, r *http.Request) {
		controller.Retry()
		respond(w, nil)
	})
	mux.HandleFunc("POST /api/game/reset", func(w http.ResponseWriter, r *http.Request) {
		controller.Reset()
		respond(w, nil)
	})
	mux.HandleFunc("GET /api/game", func(w http.ResponseWriter, r *http.Request) {
		state, gameCtx := controller.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   state,
			"context": gameCtx,
		})
	})
}

func respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write json response")
	}
}
