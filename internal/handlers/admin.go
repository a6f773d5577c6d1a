// admin.go
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

// Package handlers implements the admin app endpoints: health, runtime
// stats, notifications and import/export. This is the observability and
// operations surface, not a general data API.
package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/osyshome/objectd/internal/config"
	"github.com/osyshome/objectd/internal/runtime"
	"github.com/osyshome/objectd/internal/services"
	"github.com/osyshome/objectd/internal/transfer"
	"github.com/osyshome/objectd/internal/utils"
	"gorm.io/gorm"
)

// AdminHandler serves the admin app routes.
type AdminHandler struct {
	Cfg      *config.Config
	DB       *gorm.DB
	Runtime  *runtime.Runtime
	Transfer *transfer.Service
}

// Health reports database connectivity.
func (h *AdminHandler) Health(c *fiber.Ctx) error {
	result := services.HealthCheck(h.Cfg, h.DB)
	status := fiber.StatusOK
	if result.Status != "healthy" {
		status = fiber.StatusServiceUnavailable
	}
	return utils.SuccessResponse(c, result, status)
}

// Stats aggregates component snapshots.
func (h *AdminHandler) Stats(c *fiber.Ctx) error {
	return utils.SuccessResponse(c, h.Runtime.Stats(), fiber.StatusOK)
}

// Notifications lists unread notifications, newest first. ?limit=N
// bounds the result.
func (h *AdminHandler) Notifications(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	list, err := h.Runtime.UnreadNotifications(c.UserContext(), limit)
	if err != nil {
		return utils.ErrorResponse(c, err.Error(), fiber.StatusInternalServerError, "notify")
	}
	return utils.SuccessResponse(c, list, fiber.StatusOK)
}

// ReadNotify marks one notification read.
func (h *AdminHandler) ReadNotify(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return utils.ErrorResponse(c, "bad notification id", fiber.StatusBadRequest, "notify")
	}
	if err := h.Runtime.ReadNotify(c.UserContext(), id); err != nil {
		return utils.ErrorResponse(c, err.Error(), fiber.StatusInternalServerError, "notify")
	}
	return utils.SuccessResponse(c, fiber.Map{"ok": true}, fiber.StatusOK)
}

// ReadNotifyAll marks unread notifications read; ?source= narrows.
func (h *AdminHandler) ReadNotifyAll(c *fiber.Ctx) error {
	n, err := h.Runtime.ReadNotifyAll(c.UserContext(), c.Query("source"))
	if err != nil {
		return utils.ErrorResponse(c, err.Error(), fiber.StatusInternalServerError, "notify")
	}
	return utils.SuccessResponse(c, fiber.Map{"ok": true, "read": n}, fiber.StatusOK)
}

// Search queries every plugin implementing search. ?q= is the query.
func (h *AdminHandler) Search(c *fiber.Ctx) error {
	q := c.Query("q")
	if q == "" {
		return utils.ErrorResponse(c, "missing query", fiber.StatusBadRequest, "search")
	}
	return utils.SuccessResponse(c, h.Runtime.Search(c.UserContext(), q), fiber.StatusOK)
}

// Widgets returns dashboard widget payloads keyed by plugin name.
func (h *AdminHandler) Widgets(c *fiber.Ctx) error {
	return utils.SuccessResponse(c, h.Runtime.Widgets(c.UserContext()), fiber.StatusOK)
}

// Export dumps the object graph as a bundle. ?objects=a,b narrows to
// the named objects.
func (h *AdminHandler) Export(c *fiber.Ctx) error {
	var (
		bundle *transfer.Bundle
		err    error
	)
	if names := utils.SplitCSV(c.Query("objects")); len(names) > 0 {
		bundle, err = h.Transfer.ExportObjects(names)
	} else {
		bundle, err = h.Transfer.Export()
	}
	if err != nil {
		return utils.ErrorResponse(c, err.Error(), fiber.StatusInternalServerError, "transfer")
	}
	return utils.SuccessResponse(c, bundle, fiber.StatusOK)
}

// Import applies a bundle. Flags: ?rewrite=1&classes=1&objects=1.
func (h *AdminHandler) Import(c *fiber.Ctx) error {
	var bundle transfer.Bundle
	if err := c.BodyParser(&bundle); err != nil {
		return utils.ErrorResponse(c, "bad bundle: "+err.Error(), fiber.StatusBadRequest, "transfer")
	}
	opts := transfer.ImportOptions{
		Rewrite: c.QueryBool("rewrite", false),
		Classes: c.QueryBool("classes", true),
		Objects: c.QueryBool("objects", true),
	}
	if err := h.Transfer.Import(&bundle, opts); err != nil {
		return utils.ErrorResponse(c, err.Error(), fiber.StatusBadRequest, "transfer")
	}
	return utils.SuccessResponse(c, fiber.Map{"ok": true}, fiber.StatusOK)
}
