// main.go
//
// The object runtime core for the osysHome automation server
// Copyright (c) 2026 the objectd authors
//
// This file is part of objectd.
// objectd is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later version.
// objectd is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
// without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU Affero General Public License for more details.
// You should have received a copy of the GNU Affero General Public License along with objectd.
// If not, see <https://www.gnu.org/licenses/>.

// Container healthcheck: verifies the database and the admin port, then
// exits 0/1.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/osyshome/objectd/internal/config"
	"github.com/osyshome/objectd/internal/database"
	"github.com/osyshome/objectd/internal/services"
	"github.com/osyshome/objectd/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	result := services.HealthCheck(cfg, db)

	if err := utils.PingAdmin("http://localhost:" + cfg.Port); err != nil {
		result.Status = "unhealthy"
		result.Details["admin_error"] = err.Error()
	}

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal health check result: %v", err)
	}
	fmt.Println(string(output))

	if result.Status != "healthy" {
		os.Exit(1)
	}
	os.Exit(0)
}
