package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"care-companion/internal/auth"
	"care-companion/internal/core"
	"care-companion/internal/db"
	httpserver "care-companion/internal/http"
	"care-companion/internal/llm"
	"care-companion/internal/tools"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
)

func main() {
	// Load environment variables
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL must be set")
	}
	nurseUsername := os.Getenv("NURSE_USERNAME")
	if nurseUsername == "" {
		nurseUsername = "nurse1"
	}
	nursePin := os.Getenv("NURSE_PIN")
	if nursePin == "" {
		nursePin = "1234"
	}

	// Open database connection
	dbConn, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbConn.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}
	if err := db.Migrate(dbConn); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	repo := db.NewRepository(dbConn)

	// Create the default clinic and the seed nurse account up front so
	// request paths never race on first-use initialization.
	if _, err := repo.EnsureDefaultClinic(context.Background()); err != nil {
		log.Fatalf("failed to ensure default clinic: %v", err)
	}
	if hash, err := auth.HashPin(nursePin); err == nil {
		if _, err := repo.EnsureNurseUser(context.Background(), nurseUsername, hash); err != nil {
			log.Printf("failed to seed nurse account: %v", err)
		}
	}

	// Initialize OpenAI LLM client (uses env: OPENAI_API_KEY, OPENAI_BASE_URL)
	llmClient := llm.NewOpenAIClient()
	weather := tools.NewWeather()
	chatService := core.NewChatService(llmClient, repo, weather.Tools())
	srv := httpserver.NewServer(repo, chatService, nurseUsername, nursePin)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS for the frontend
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			if req.Method == http.MethodOptions {
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Route("/api", func(r chi.Router) {
		httpserver.RegisterRoutes(r, srv)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	addr := ":" + port
	log.Printf("Listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
