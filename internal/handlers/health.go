package handlers

import (
	"net/http"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/monitor"
)

func HealthCheck(registry *monitor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "disconnected"
		if database.DB != nil {
			sqlDB, err := database.DB.DB()
			if err == nil {
				if err := sqlDB.Ping(); err == nil {
					dbStatus = "connected"
				}
			}
		}

		status := "healthy"
		if dbStatus != "connected" {
			status = "unhealthy"
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    status,
			"database":  dbStatus,
			"instances": registry.Len(),
		})
	}
}
