package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/veritylab/raterhub/internal/api"
	"github.com/veritylab/raterhub/internal/config"
	"github.com/veritylab/raterhub/internal/db"
	"github.com/veritylab/raterhub/internal/ledger"
	"github.com/veritylab/raterhub/internal/middleware"
	"github.com/veritylab/raterhub/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	sqliteDB, err := openDatabase(cfg.SQLitePath, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer func() {
		if cerr := sqliteDB.Close(); cerr != nil {
			log.Printf("warning: failed to close sqlite db: %v", cerr)
		}
	}()

	store, err := db.NewSQLiteStore(sqliteDB)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	middleware.SetSecret(cfg.JWTSecret)

	validator := services.NewIdentityValidator(store)
	sessionSvc := services.NewSessionService(store, validator, cfg.SessionMaxDuration)
	questionSvc := services.NewQuestionService(store)
	ratingSvc := services.NewRatingService(store)
	authSvc := services.NewOperatorAuthService(cfg.OperatorEmail, cfg.OperatorPasswordHash, middleware.SignToken)

	var reconcileSvc *services.ReconcileService
	if cfg.LedgerBaseURL != "" {
		ledgerClient := ledger.New(cfg.LedgerBaseURL, cfg.LedgerToken)
		reconcileSvc = services.NewReconcileService(store, ledgerClient, cfg.ReconcileParallelism)
	} else {
		log.Printf("participation ledger not configured; reconciliation disabled")
	}

	mux := http.NewServeMux()
	api.NewRouter(sessionSvc, questionSvc, ratingSvc, reconcileSvc, authSvc, store).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "name": "raterhub API"})
	})

	handler := middleware.SecureHeaders(middleware.CORS(middleware.NoStore(middleware.WithAuth(mux))))

	log.Printf("raterhub server listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
