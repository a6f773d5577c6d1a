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

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/osyshome/objectd/internal/actor"
	"github.com/osyshome/objectd/internal/config"
	"github.com/osyshome/objectd/internal/database"
	"github.com/osyshome/objectd/internal/handlers"
	"github.com/osyshome/objectd/internal/logging"
	"github.com/osyshome/objectd/internal/middleware"
	"github.com/osyshome/objectd/internal/runtime"
	"github.com/osyshome/objectd/internal/transfer"
	"github.com/osyshome/objectd/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logging.Init(cfg.LogDir, cfg.LogLevel, cfg.Dev); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	rt := runtime.New(cfg, db)
	if err := rt.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start runtime: %v", err)
	}
	defer rt.Stop()

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		DisableStartupMessage: false,
	})

	app.Use(fiberrecover.New())
	app.Use(fiberlogger.New())
	app.Use(compress.New())
	app.Use(middleware.Actor())

	prometheus := fiberprometheus.New("objectd")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	admin := &handlers.AdminHandler{
		Cfg:      cfg,
		DB:       db,
		Runtime:  rt,
		Transfer: transfer.NewService(db, rt.Storage()),
	}

	app.Get("/health", admin.Health)
	app.Get("/stats", admin.Stats)
	app.Get("/notify", admin.Notifications)
	app.Post("/notify/:id/read", admin.ReadNotify)
	app.Post("/notify/read", admin.ReadNotifyAll)
	app.Get("/search", admin.Search)
	app.Get("/widgets", admin.Widgets)
	app.Get("/export", middleware.RequireRole(actor.RoleAdmin), admin.Export)
	app.Post("/import", middleware.RequireRole(actor.RoleAdmin), admin.Import)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", rt.Hub().Handler())

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"status":    fiber.StatusNotFound,
			"message":   "[404] Resource Not Found",
			"ok":        false,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"url":       c.OriginalURL(),
		})
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Println("Gracefully shutting down...")
		_ = app.Shutdown()
	}()

	log.Printf("Starting admin server on port %s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Println("Server stopped")
}

// errorHandler maps permission denials to 403 and everything else to a
// standard error envelope.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()
	errorType := "unknown"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}
	if errors.Is(err, types.ErrPermissionDenied) {
		code = fiber.StatusForbidden
		errorType = "permission"
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    code,
		"message":   message,
		"ok":        false,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"url":       c.OriginalURL(),
		"type":      errorType,
	})
}
