// auth.go
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

package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/osyshome/objectd/internal/actor"
	"github.com/osyshome/objectd/internal/types"
)

// Actor reads the X-User / X-Role headers and threads them into the
// request context so the permission gate sees the caller. Requests
// without headers stay anonymous, which the gate treats as
// backend-initiated.
func Actor() fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Get("X-User")
		if name == "" {
			return c.Next()
		}
		role := c.Get("X-Role", actor.RoleUser)
		ctx := actor.WithUser(c.UserContext(), actor.User{Name: name, Role: role})
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// RequireRole gates a route to callers carrying one of the roles.
// Root passes every gate.
func RequireRole(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		u, ok := actor.UserFrom(c.UserContext())
		if !ok {
			return &types.PermissionError{Target: c.Path(), Op: "access"}
		}
		if u.Role == actor.RoleRoot {
			return c.Next()
		}
		for _, r := range roles {
			if u.Role == r {
				return c.Next()
			}
		}
		return &types.PermissionError{User: u.Name, Role: u.Role, Target: c.Path(), Op: "access"}
	}
}
